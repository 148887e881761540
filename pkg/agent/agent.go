// Package agent enforces crawl policy (host blacklist and robots.txt) around
// bounded, redirect-aware page fetches.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nathan-walker/giles/pkg/cache"
	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/fetch"
	"github.com/nathan-walker/giles/pkg/models"
	"github.com/nathan-walker/giles/pkg/parse"
	"github.com/nathan-walker/giles/pkg/utils"
)

// Agent owns the blacklist snapshot and the two connection pools, and runs
// policy checks before and during every fetch.
type Agent struct {
	cfg   config.AgentConfig
	cache cache.PolicyCache
	pools fetch.Pools
	log   *logrus.Entry

	blacklist   atomic.Pointer[blacklist]
	robotsGroup singleflight.Group

	stopRefresh context.CancelFunc
	refreshDone chan struct{}
	closeOnce   sync.Once
}

var _ fetch.PolicyChecker = (*Agent)(nil)

// New validates cfg, builds the pools, loads the blacklist once and starts the
// periodic refresh. The cache is required and remains owned by the caller.
func New(cfg config.AgentConfig, c cache.PolicyCache, log *logrus.Entry) (*Agent, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: a policy cache is required", utils.ErrConfig)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	a := &Agent{
		cfg:   cfg,
		cache: c,
		pools: fetch.NewPools(cfg.ConcurrencyLimit, cfg.HTTPClientSettings, cfg.PoolEvictionInterval, log),
		log:   log.WithField("user_agent", cfg.UserAgent),
	}
	a.blacklist.Store(newBlacklist(cfg.Blacklist))

	ctx, cancel := context.WithCancel(context.Background())
	a.stopRefresh = cancel
	a.refreshDone = make(chan struct{})

	a.RefreshBlacklist(ctx)
	go func() {
		defer close(a.refreshDone)
		a.runBlacklistRefresh(ctx, cfg.BlacklistRefreshInterval)
	}()

	a.log.WithFields(logrus.Fields{
		"concurrency_limit": cfg.ConcurrencyLimit,
		"key_prefix":        cfg.KeyPrefix,
		"blacklisted_hosts": a.BlacklistSize(),
	}).Info("Agent ready")
	return a, nil
}

// Config returns the validated configuration
func (a *Agent) Config() config.AgentConfig { return a.cfg }

// MakeRequest fetches u with the configured default options.
// A nil result with a nil error means policy declined the fetch.
func (a *Agent) MakeRequest(ctx context.Context, u *url.URL) (*models.Result, error) {
	return a.MakeRequestWithOptions(ctx, u, a.cfg.RequestDefaults)
}

// MakeRequestWithOptions is MakeRequest with per-call size and timeout bounds
func (a *Agent) MakeRequestWithOptions(ctx context.Context, u *url.URL, opts models.RequestOptions) (*models.Result, error) {
	if u == nil {
		return nil, errors.New("nil URL")
	}
	reqLog := a.log.WithField("url", u.String())

	if a.IsBlacklisted(u.Hostname()) {
		reqLog.Debug("Host is blacklisted, declining")
		return nil, nil
	}
	if a.pools.For(u.Scheme) == nil {
		return nil, fmt.Errorf("%w: scheme %q", utils.ErrProtocolMismatch, u.Scheme)
	}

	allowed, err := a.CheckRobots(ctx, u.Scheme, parse.OriginHost(u), parse.RequestPath(u))
	if err != nil {
		reqLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Robots check failed: %v", err)
		return nil, err
	}
	if !allowed {
		reqLog.Debug("Disallowed by robots.txt, declining")
		return nil, nil
	}

	req := fetch.NewRequest(u, a.pools, a, fetch.RequestConfig{
		UserAgent:    a.cfg.UserAgent,
		MaxRedirects: a.cfg.MaxRedirects,
		Options:      opts,
	}, a.log)
	reqLog.WithField("request_id", req.ID()).Debug("Policy passed, fetching")
	return req.Run(ctx)
}

// Close stops the blacklist refresh and releases idle connections.
// It does not close the cache.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.stopRefresh()
		<-a.refreshDone
		a.pools.Close()
		a.log.Info("Agent closed")
	})
}
