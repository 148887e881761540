package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// OriginHost returns the lowercased host of u with the default port for its
// scheme removed (80 for http, 443 for https). Non-default ports are kept.
func OriginHost(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	hostPort := strings.ToLower(u.Host)

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil { // Host included a port
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			if strings.Contains(host, ":") {
				return "[" + host + "]" // Keep IPv6 literals bracketed
			}
			return host
		}
	}
	return hostPort
}

// SameOrigin reports whether a and b share scheme and host (including a non-default port)
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && OriginHost(a) == OriginHost(b)
}

// ResolveLocation resolves a redirect Location header against the URL that produced it.
// Absolute and relative locations are both accepted; fragments are dropped.
func ResolveLocation(base *url.URL, location string) (*url.URL, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("empty Location header")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid Location %q: %w", location, err)
	}
	next := base.ResolveReference(ref)
	next.Fragment = ""
	return next, nil
}

// RobotsURL returns <scheme>://<host>/robots.txt
func RobotsURL(scheme, host string) *url.URL {
	return &url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}
}

// RequestPath returns the path and query used for robots evaluation, "/" when empty
func RequestPath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.RequestURI()
	if p == "" || p[0] != '/' {
		// Opaque URLs have no path robots rules can apply to
		return "/"
	}
	return p
}

// ParseTarget parses a user-supplied absolute URL
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	return u, nil
}
