// Package backend opens the usage store named by the configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/tier"
	"github.com/AlexKimmel/quotagate/internal/usage"
	"github.com/AlexKimmel/quotagate/internal/usage/memory"
	"github.com/AlexKimmel/quotagate/internal/usage/postgres"
	"github.com/AlexKimmel/quotagate/internal/usage/redis"
	"github.com/AlexKimmel/quotagate/internal/usage/sqlite"
)

// Store is a usage store that also keeps the per-user tier flag.
type Store interface {
	usage.Store
	tier.Resolver
	SetPro(ctx context.Context, userID string, pro bool) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*redis.Store)(nil)
)

// Open connects the configured driver. The caller owns the returned store
// and must Close it.
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	if d := cfg.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil

	case "sqlite":
		s, err := sqlite.Open(sqlite.Config{Path: cfg.Path, BusyTimeout: cfg.Timeout()})
		if err != nil {
			return nil, err
		}
		return s, nil

	case "postgres":
		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		s, err := postgres.Connect(ctx, cfg.DSN.Value(), opts...)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "redis":
		var opts []redis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.KeyPrefix))
		}
		s, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password.Value(),
			DB:       cfg.DB,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("backend: unknown store driver %q", cfg.Driver)
	}
}

// Tiers builds the tier resolver: the configured pro users, then the store's
// flag when useStore is set.
func Tiers(proUsers []string, store Store, useStore bool) tier.Resolver {
	rs := tier.Any{tier.NewStatic(proUsers...)}
	if useStore {
		rs = append(rs, store)
	}
	return rs
}
