package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultHostLimit = 5

// hostSlot is the admission state of one origin host
type hostSlot struct {
	sem       *semaphore.Weighted
	waiting   int64
	held      int64
	idleSince time.Time // zero while held or never used
}

func (s *hostSlot) idle() bool {
	return s.waiting == 0 && s.held == 0
}

// HostLimiter admits at most limit concurrent exchanges per origin host.
// Each Pool owns one, so two hosts never share permits and neither do the
// plain and secure pools.
type HostLimiter struct {
	mu    sync.Mutex
	slots map[string]*hostSlot
	limit int64
	log   *logrus.Entry
}

// NewHostLimiter creates a limiter; limit <= 0 falls back to 5
func NewHostLimiter(limit int, log *logrus.Entry) *HostLimiter {
	l := int64(limit)
	if l <= 0 {
		l = defaultHostLimit
		log.Warnf("Host limit %d invalid, using %d", limit, l)
	}
	return &HostLimiter{slots: make(map[string]*hostSlot), limit: l, log: log}
}

// Permit is one admitted exchange. Release may be called any number of times.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the permit to its host
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Acquire blocks until host has a free permit or ctx is done
func (h *HostLimiter) Acquire(ctx context.Context, host string) (*Permit, error) {
	h.mu.Lock()
	slot, ok := h.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(h.limit)}
		h.slots[host] = slot
		h.log.WithFields(logrus.Fields{"host": host, "limit": h.limit}).Trace("Tracking new host")
	}
	slot.waiting++
	h.mu.Unlock()

	err := slot.sem.Acquire(ctx, 1)

	h.mu.Lock()
	slot.waiting--
	if err != nil {
		if slot.idle() && slot.idleSince.IsZero() {
			slot.idleSince = time.Now()
		}
		h.mu.Unlock()
		return nil, err
	}
	slot.held++
	slot.idleSince = time.Time{}
	h.mu.Unlock()

	return &Permit{release: func() { h.release(slot) }}, nil
}

func (h *HostLimiter) release(slot *hostSlot) {
	h.mu.Lock()
	slot.held--
	if slot.idle() {
		slot.idleSince = time.Now()
	}
	h.mu.Unlock()
	slot.sem.Release(1)
}

// Sweep forgets hosts that have been idle for at least maxIdle
func (h *HostLimiter) Sweep(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	removed := 0
	for host, slot := range h.slots {
		if slot.idle() && !slot.idleSince.IsZero() && now.Sub(slot.idleSince) >= maxIdle {
			delete(h.slots, host)
			removed++
		}
	}
	if removed > 0 {
		h.log.WithFields(logrus.Fields{"removed": removed, "remaining": len(h.slots)}).Debug("Swept idle hosts")
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done
func (h *HostLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep(interval)
		case <-ctx.Done():
			h.log.Debugf("Stopping host sweeper: %v", ctx.Err())
			return
		}
	}
}

// Tracked returns how many hosts currently have state
func (h *HostLimiter) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// InUse returns the permits held for host
func (h *HostLimiter) InUse(host string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.slots[host]; ok {
		return slot.held
	}
	return 0
}

// Limit returns the per-host permit count
func (h *HostLimiter) Limit() int64 { return h.limit }
