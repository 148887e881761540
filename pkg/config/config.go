package config

import (
	"time"

	"github.com/nathan-walker/giles/pkg/models"
)

// AgentConfig holds the configuration of a single Giles agent
type AgentConfig struct {
	UserAgent                string                `yaml:"user_agent"`
	KeyPrefix                string                `yaml:"key_prefix"`                           // Namespace for every cache key
	ConcurrencyLimit         int                   `yaml:"concurrency_limit"`                    // Simultaneous exchanges per host, per pool
	Blacklist                []string              `yaml:"blacklist,omitempty"`                  // Hosts always refused, merged with the cached set
	BlacklistRefreshInterval time.Duration         `yaml:"blacklist_refresh_interval,omitempty"` // How often the blacklist set is re-read
	RobotsTTL                time.Duration         `yaml:"robots_ttl,omitempty"`                 // Lifetime of a cached robots decision
	RobotsMaxSize            int64                 `yaml:"robots_max_size,omitempty"`            // Bytes of robots.txt read before truncating
	RobotsTimeout            time.Duration         `yaml:"robots_timeout,omitempty"`             // Deadline for a whole robots.txt fetch
	CoalesceRobotsFetches    bool                  `yaml:"coalesce_robots_fetches,omitempty"`    // Share one robots.txt fetch between concurrent misses
	MaxRedirects             int                   `yaml:"max_redirects,omitempty"`
	PoolEvictionInterval     time.Duration         `yaml:"pool_eviction_interval,omitempty"` // Idle per-host permit eviction
	RequestDefaults          models.RequestOptions `yaml:"request_defaults,omitempty"`
	HTTPClientSettings       HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Cache                    CacheConfig           `yaml:"cache"`
}

// HTTPClientConfig holds the transport settings shared by both connection pools
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout,omitempty"` // 0 = rely on the per-request timeout
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify,omitempty"`    // Secure pool only; for test rigs
}

// CacheConfig selects and configures the policy cache backend
type CacheConfig struct {
	Backend string       `yaml:"backend"` // "redis" or "badger"
	Redis   RedisConfig  `yaml:"redis,omitempty"`
	Badger  BadgerConfig `yaml:"badger,omitempty"`
}

// RedisConfig holds connection settings for the Redis backend
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

// BadgerConfig holds settings for the embedded BadgerDB backend
type BadgerConfig struct {
	Dir        string        `yaml:"dir,omitempty"`
	InMemory   bool          `yaml:"in_memory,omitempty"`
	GCInterval time.Duration `yaml:"gc_interval,omitempty"`
}

// BlacklistKey returns the cache key of the blacklisted host set
func (c *AgentConfig) BlacklistKey() string {
	return c.KeyPrefix + "blacklist"
}

// RobotsKey returns the cache key holding the robots decision for scheme and host
func (c *AgentConfig) RobotsKey(scheme, host string) string {
	return c.KeyPrefix + "robots:" + scheme + ":" + host
}
