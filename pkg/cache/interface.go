// Package cache provides the key/value store that persists robots decisions
// and holds the host blacklist.
package cache

import (
	"context"
	"time"
)

// PolicyCache is the store consumed by the agent. Implementations wrap every
// backend failure with utils.ErrCacheUnavailable.
type PolicyCache interface {
	// Get returns the value stored under key; found is false if it is absent or expired
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// SetWithTTL stores value under key for ttl
	SetWithTTL(ctx context.Context, key string, ttl time.Duration, value string) error

	// Members returns every member of the set stored under key (empty if absent)
	Members(ctx context.Context, key string) ([]string, error)

	// Close releases the backend connection
	Close() error
}

// SetWriter is implemented by caches that can also populate sets.
// The agent never writes sets; operators and tests do.
type SetWriter interface {
	AddMembers(ctx context.Context, key string, members ...string) error
	RemoveMembers(ctx context.Context, key string, members ...string) error
}
