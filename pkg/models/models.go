package models

import (
	"net/url"
	"time"
)

// Result is what a successful fetch resolves with
type Result struct {
	Data          string     // Accumulated response body
	RedirectChain []*url.URL // Every URL visited, in order, final URL last
}

// FinalURL returns the last URL of the redirect chain, or nil if the chain is empty
func (r *Result) FinalURL() *url.URL {
	if r == nil || len(r.RedirectChain) == 0 {
		return nil
	}
	return r.RedirectChain[len(r.RedirectChain)-1]
}

// RequestOptions bounds a single fetch
type RequestOptions struct {
	MaxSize int64         `yaml:"max_size,omitempty"` // Max body bytes (0 = unlimited unless Content-Length narrows it)
	Timeout time.Duration `yaml:"timeout,omitempty"`  // Inactivity timeout on the exchange (0 = none)
}
