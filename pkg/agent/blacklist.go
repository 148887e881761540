package agent

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/utils"
)

// blacklist is an immutable set of hostnames. It is replaced, never mutated.
type blacklist struct {
	hosts map[string]struct{}
}

func newBlacklist(sources ...[]string) *blacklist {
	b := &blacklist{hosts: make(map[string]struct{})}
	for _, hosts := range sources {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				b.hosts[h] = struct{}{}
			}
		}
	}
	return b
}

func (b *blacklist) contains(hostname string) bool {
	_, ok := b.hosts[strings.ToLower(hostname)]
	return ok
}

// IsBlacklisted reports whether hostname is in the current snapshot
func (a *Agent) IsBlacklisted(hostname string) bool {
	return a.blacklist.Load().contains(hostname)
}

// BlacklistSize returns the number of hosts in the current snapshot
func (a *Agent) BlacklistSize() int {
	return len(a.blacklist.Load().hosts)
}

// RefreshBlacklist re-reads the blacklist set from the cache and swaps in a new
// snapshot. On failure the previous snapshot stays in place; the error is only logged.
func (a *Agent) RefreshBlacklist(ctx context.Context) {
	key := a.cfg.BlacklistKey()
	members, err := a.cache.Members(ctx, key)
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"key":        key,
			"error_type": utils.CategorizeError(err),
		}).Warnf("Blacklist refresh failed, keeping %d cached hosts: %v", a.BlacklistSize(), err)
		return
	}
	next := newBlacklist(a.cfg.Blacklist, members)
	a.blacklist.Store(next)
	a.log.WithField("hosts", len(next.hosts)).Debug("Blacklist refreshed")
}

// runBlacklistRefresh refreshes on every tick until ctx is done
func (a *Agent) runBlacklistRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.RefreshBlacklist(ctx)
		case <-ctx.Done():
			a.log.Debugf("Stopping blacklist refresh: %v", ctx.Err())
			return
		}
	}
}
