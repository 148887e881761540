package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrConfig              = errors.New("configuration error")                 // Fatal: missing required collaborator
	ErrConfigValidation    = errors.New("configuration validation error")      // Invalid values in a config file
	ErrProtocolMismatch    = errors.New("request does not fit HTTP or HTTPS protocols")
	ErrTimeout             = errors.New("request timed out")
	ErrAborted             = errors.New("the connection was aborted")
	ErrMaxLength           = errors.New("content exceeds maximum length")     // Pre- or mid-stream size violation
	ErrNotFound            = errors.New("resource not found (404)")
	ErrFetch               = errors.New("fetch failed (non-200 status)")      // Wraps status text
	ErrBadType             = errors.New("content type is not text/html")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrRobotsDisallowed    = errors.New("disallowed by robots.txt")
	ErrBlacklisted         = errors.New("host is blacklisted")
	ErrCacheUnavailable    = errors.New("policy cache unavailable")            // Wraps the backend error
	ErrRedirectLimit       = errors.New("stopped after too many redirects")
	ErrTransport           = errors.New("transport error")                    // Dial/TLS failures before headers
)

// CategorizeError maps an error to a predefined category string for logging.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrConfig):
		return "Config_Missing"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrProtocolMismatch):
		return "Request_ProtocolMismatch"
	case errors.Is(err, ErrTimeout):
		return "Network_Timeout"
	case errors.Is(err, ErrAborted):
		return "Network_Aborted"
	case errors.Is(err, ErrMaxLength):
		return "Content_MaxLength"
	case errors.Is(err, ErrNotFound):
		return "HTTP_404"
	case errors.Is(err, ErrFetch):
		errMsg := err.Error()
		if strings.Contains(errMsg, "status 4") {
			return "HTTP_4xx"
		}
		if strings.Contains(errMsg, "status 5") {
			return "HTTP_5xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrBadType):
		return "Content_BadType"
	case errors.Is(err, ErrUnsupportedEncoding):
		return "Content_Encoding"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrBlacklisted):
		return "Policy_Blacklist"
	case errors.Is(err, ErrCacheUnavailable):
		return "Cache_Unavailable"
	case errors.Is(err, ErrRedirectLimit):
		return "Policy_RedirectLimit"
	case errors.Is(err, ErrTransport):
		return transportCategory(err)
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}
	return "Unknown"
}

// transportCategory narrows a transport failure using the wrapped network error.
func transportCategory(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_DialTimeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	}
	return "Network_Other"
}
