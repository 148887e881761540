package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/fetch"
	"github.com/nathan-walker/giles/pkg/robots"
	"github.com/nathan-walker/giles/pkg/utils"
)

// CheckRobots reports whether path on scheme://host may be fetched, using the
// cached decision when present and fetching robots.txt otherwise.
func (a *Agent) CheckRobots(ctx context.Context, scheme, host, path string) (bool, error) {
	key := a.cfg.RobotsKey(scheme, host)
	serialized, found, err := a.cache.Get(ctx, key)
	if err != nil {
		return false, cacheError(err)
	}
	if found {
		return robots.CheckPathFromSerialized(serialized, path), nil
	}
	return a.FetchRobots(ctx, scheme, host, path)
}

// FetchRobots retrieves and caches the robots decision for scheme://host, then
// evaluates path against it. Any failure to obtain robots.txt allows everything.
func (a *Agent) FetchRobots(ctx context.Context, scheme, host, path string) (bool, error) {
	var serialized string
	var err error
	if a.cfg.CoalesceRobotsFetches {
		serialized, err = a.sharedRobotsFetch(ctx, scheme, host)
	} else {
		serialized, err = a.fetchAndStoreRobots(ctx, scheme, host)
	}
	if err != nil {
		return false, err
	}
	return robots.CheckPathFromSerialized(serialized, path), nil
}

// sharedRobotsFetch joins the in-flight fetch for the same cache key. The shared
// fetch is detached from every caller, so one caller leaving does not fail the
// others; each caller stops waiting when its own ctx is done.
func (a *Agent) sharedRobotsFetch(ctx context.Context, scheme, host string) (string, error) {
	key := a.cfg.RobotsKey(scheme, host)
	ch := a.robotsGroup.DoChan(key, func() (interface{}, error) {
		return a.fetchAndStoreRobots(context.WithoutCancel(ctx), scheme, host)
	})

	select {
	case res := <-ch:
		if res.Shared {
			a.log.WithField("key", key).Trace("Shared robots.txt fetch")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: waiting for robots.txt for %s: %w", utils.ErrAborted, host, context.Cause(ctx))
	}
}

// fetchAndStoreRobots turns the live robots.txt into its serialized decision and
// writes it with the configured TTL. The fetch is bounded by RobotsTimeout.
func (a *Agent) fetchAndStoreRobots(ctx context.Context, scheme, host string) (string, error) {
	pool := a.pools.For(scheme)
	if pool == nil {
		return "", fmt.Errorf("%w: scheme %q", utils.ErrProtocolMismatch, scheme)
	}
	robotsLog := a.log.WithFields(logrus.Fields{"host": host, "scheme": scheme})

	fetchCtx, cancel := context.WithTimeoutCause(ctx, a.cfg.RobotsTimeout, utils.ErrTimeout)
	defer cancel()

	serialized := robots.Unrestricted
	body, err := fetch.FetchRobotsTxt(fetchCtx, pool, host, a.cfg.UserAgent, a.cfg.RobotsMaxSize)
	switch {
	case err != nil && ctx.Err() != nil:
		// An interrupted fetch says nothing about the site; do not cache it
		return "", fmt.Errorf("%w: robots.txt for %s: %w", utils.ErrAborted, host, context.Cause(ctx))
	case err != nil:
		robotsLog.WithField("error_type", utils.CategorizeError(err)).Infof("robots.txt unavailable, allowing all: %v", err)
	case strings.TrimSpace(body) == "":
		robotsLog.Debug("Empty robots.txt, allowing all")
	default:
		rs := robots.Parse(body)
		if s, ok := robots.SerializeRules(rs, a.cfg.UserAgent); ok && s != "" {
			serialized = s
		}
		if len(rs.Sitemaps) > 0 {
			robotsLog.WithField("sitemaps", rs.Sitemaps).Debug("robots.txt lists sitemaps")
		}
	}

	key := a.cfg.RobotsKey(scheme, host)
	if err := a.cache.SetWithTTL(ctx, key, a.cfg.RobotsTTL, serialized); err != nil {
		return "", cacheError(err)
	}
	robotsLog.WithField("rules", strings.Count(serialized, "\n")+1).Debug("Cached robots decision")
	return serialized, nil
}

// cacheError guarantees the cache-unavailable kind on errors from PolicyCache
// implementations that do not wrap it themselves.
func cacheError(err error) error {
	if errors.Is(err, utils.ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", utils.ErrCacheUnavailable, err)
}
