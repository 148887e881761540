package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/log"
	"github.com/nathan-walker/giles/pkg/utils"
)

// setSeparator splits a set key from its member: "<key>\x00<member>"
const setSeparator = "\x00"

// BadgerCache implements PolicyCache on an embedded BadgerDB
type BadgerCache struct {
	db       *badger.DB
	log      *logrus.Entry
	inMemory bool
	stopGC   context.CancelFunc
	gcDone   chan struct{}
}

// NewBadgerCache opens (or creates) the database described by cfg and starts
// periodic value-log GC for on-disk databases.
func NewBadgerCache(cfg config.BadgerConfig, logger *logrus.Entry) (*BadgerCache, error) {
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create cache directory %s: %w", utils.ErrCacheUnavailable, cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithLogger(badgerLogger). // Use custom logrus adapter
		WithNumVersionsToKeep(1)  // Only the latest decision matters

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrCacheUnavailable, err)
	}

	c := &BadgerCache{db: db, log: logger, inMemory: cfg.InMemory}
	if !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopGC = cancel
		c.gcDone = make(chan struct{})
		go func() {
			defer close(c.gcDone)
			c.RunGC(ctx, cfg.GCInterval)
		}()
	}

	logger.WithField("in_memory", cfg.InMemory).Info("Badger policy cache opened.")
	return c, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (c *BadgerCache) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		c.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries", maxConflictRetries)
}

// Get implements PolicyCache
func (c *BadgerCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: get %q: %w", utils.ErrCacheUnavailable, key, err)
	}

	var value string
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Absent or expired
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			value = string(val) // string() copies; val is only valid inside the callback
			found = true
			return nil
		})
	})
	if err != nil {
		c.log.WithField("key", key).Errorf("DB View error in Get: %v", err)
		return "", false, fmt.Errorf("%w: get %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return value, found, nil
}

// SetWithTTL implements PolicyCache
func (c *BadgerCache) SetWithTTL(ctx context.Context, key string, ttl time.Duration, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: set %q: %w", utils.ErrCacheUnavailable, key, err)
	}

	err := c.dbUpdate(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		c.log.WithField("key", key).Errorf("DB Update error in SetWithTTL: %v", err)
		return fmt.Errorf("%w: set %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Members implements PolicyCache
func (c *BadgerCache) Members(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: members %q: %w", utils.ErrCacheUnavailable, key, err)
	}

	prefix := []byte(key + setSeparator)
	members := []string{}
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Members live in the key
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			members = append(members, string(bytes.TrimPrefix(k, prefix)))
		}
		return nil
	})
	if err != nil {
		c.log.WithField("key", key).Errorf("DB View error in Members: %v", err)
		return nil, fmt.Errorf("%w: members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return members, nil
}

// AddMembers implements SetWriter
func (c *BadgerCache) AddMembers(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: add members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	err := c.dbUpdate(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Set([]byte(key+setSeparator+m), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: add members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// RemoveMembers implements SetWriter
func (c *BadgerCache) RemoveMembers(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: remove members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	err := c.dbUpdate(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Delete([]byte(key + setSeparator + m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: remove members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (c *BadgerCache) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if c.db.IsClosed() {
				return
			}
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for err == nil {
				err = c.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				c.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			c.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Close implements PolicyCache
func (c *BadgerCache) Close() error {
	if c.stopGC != nil {
		c.stopGC()
		<-c.gcDone
		c.stopGC = nil
	}
	if c.db != nil && !c.db.IsClosed() {
		if err := c.db.Close(); err != nil {
			c.log.Errorf("Error closing policy cache: %v", err)
			return err
		}
		c.log.Info("Badger policy cache closed.")
	}
	return nil
}
