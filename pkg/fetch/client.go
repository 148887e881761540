package fetch

import (
	"crypto/tls"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/config"
)

// NewTransport creates the transport behind one connection pool.
// maxConnsPerHost caps dialed connections per host; compression is never
// requested so Content-Encoding checks see what the server actually sent.
func NewTransport(cfg config.HTTPClientConfig, maxConnsPerHost int, secure bool) *http.Transport {
	// Create custom dialer with configured timeouts
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment, // Use system proxy settings
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:        maxConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout:  cfg.ResponseHeaderTimeout,
		MaxResponseHeaderBytes: 1 << 20, // 1MB max header size
		DisableCompression:     true,
	}
	if secure && cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// NewClient creates an HTTP client over transport that hands every redirect
// back to the caller instead of following it.
func NewClient(transport http.RoundTripper, log *logrus.Entry) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			log.Debugf("Redirect response for %s returned to caller", via[len(via)-1].URL)
			return http.ErrUseLastResponse
		},
	}
}
