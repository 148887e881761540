package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nathan-walker/giles/pkg/utils"
)

const (
	DefaultUserAgent                = "Giles"
	DefaultKeyPrefix                = "giles:"
	DefaultConcurrencyLimit         = 5
	DefaultBlacklistRefreshInterval = 10 * time.Minute
	DefaultRobotsTTL                = 24 * time.Hour
	DefaultRobotsMaxSize            = 512 * 1024
	DefaultRobotsTimeout            = 10 * time.Second
	DefaultMaxRedirects             = 10
)

// Validate checks AgentConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AgentConfig) Validate() (warnings []string, err error) {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}

	if c.ConcurrencyLimit <= 0 {
		warnings = append(warnings, fmt.Sprintf("concurrency_limit should be > 0, defaulting to %d", DefaultConcurrencyLimit))
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}

	for i, host := range c.Blacklist {
		c.Blacklist[i] = strings.ToLower(strings.TrimSpace(host))
	}

	if c.BlacklistRefreshInterval < 0 {
		warnings = append(warnings, "blacklist_refresh_interval cannot be negative, using default")
		c.BlacklistRefreshInterval = 0
	}
	if c.BlacklistRefreshInterval == 0 {
		c.BlacklistRefreshInterval = DefaultBlacklistRefreshInterval
	}

	if c.RobotsTTL <= 0 {
		c.RobotsTTL = DefaultRobotsTTL
	}
	if c.RobotsTTL < time.Second {
		warnings = append(warnings, fmt.Sprintf("robots_ttl (%v) below cache resolution, rounding up to 1s", c.RobotsTTL))
		c.RobotsTTL = time.Second
	}

	if c.RobotsMaxSize <= 0 {
		c.RobotsMaxSize = DefaultRobotsMaxSize
	}
	if c.RobotsTimeout < 0 {
		warnings = append(warnings, "robots_timeout cannot be negative, using default")
	}
	if c.RobotsTimeout <= 0 {
		c.RobotsTimeout = DefaultRobotsTimeout
	}

	if c.MaxRedirects < 0 {
		warnings = append(warnings, "max_redirects cannot be negative, using default")
		c.MaxRedirects = 0
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}

	if c.PoolEvictionInterval <= 0 {
		c.PoolEvictionInterval = 5 * time.Minute
	}

	if c.RequestDefaults.MaxSize < 0 {
		warnings = append(warnings, "request_defaults.max_size cannot be negative, setting to 0 (unlimited)")
		c.RequestDefaults.MaxSize = 0
	}
	if c.RequestDefaults.Timeout < 0 {
		warnings = append(warnings, "request_defaults.timeout cannot be negative, disabling timeout")
		c.RequestDefaults.Timeout = 0
	}

	c.validateHTTPClientSettings()

	return warnings, nil // AgentConfig validation never fails fatally
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AgentConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.ConcurrencyLimit
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ResponseHeaderTimeout < 0 {
		h.ResponseHeaderTimeout = 0
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks CacheConfig fields and applies defaults.
// A missing or unknown backend is fatal: the agent cannot run without a cache.
func (c *CacheConfig) Validate() (warnings []string, err error) {
	switch c.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return nil, fmt.Errorf("%w: cache.redis.addr is required for the redis backend", utils.ErrConfigValidation)
		}
		if c.Redis.DialTimeout <= 0 {
			c.Redis.DialTimeout = 5 * time.Second
		}
	case "badger":
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			return nil, fmt.Errorf("%w: cache.badger needs dir or in_memory", utils.ErrConfigValidation)
		}
		if c.Badger.Dir != "" && c.Badger.InMemory {
			warnings = append(warnings, "cache.badger.in_memory is set, ignoring dir")
			c.Badger.Dir = ""
		}
		if c.Badger.GCInterval <= 0 {
			c.Badger.GCInterval = 10 * time.Minute
		}
	case "":
		return nil, fmt.Errorf("%w: cache.backend is required", utils.ErrConfigValidation)
	default:
		return nil, fmt.Errorf("%w: unknown cache.backend %q", utils.ErrConfigValidation, c.Backend)
	}
	return warnings, nil
}
