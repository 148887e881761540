package cache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/utils"
)

// Open validates cfg and connects the selected backend
func Open(ctx context.Context, cfg config.CacheConfig, logger *logrus.Entry) (PolicyCache, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisCache(ctx, cfg.Redis, logger)
	case "badger":
		return NewBadgerCache(cfg.Badger, logger)
	}
	// Validate rejects anything else
	return nil, fmt.Errorf("%w: unknown cache backend %q", utils.ErrConfigValidation, cfg.Backend)
}
