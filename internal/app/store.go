package app

import (
	"context"
	"fmt"

	"github.com/HMasataka/presence/internal/config"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/internal/store/memory"
	"github.com/HMasataka/presence/internal/store/natskv"
	"github.com/HMasataka/presence/internal/store/postgres"
	"github.com/HMasataka/presence/internal/store/redis"
	"github.com/benbjohnson/clock"
)

// healthChecker is implemented by stores backed by a remote service
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// OpenStore connects the store selected by cfg.Driver. origin tags this
// process's writes on shared change feeds. The logger is taken from ctx.
func OpenStore(ctx context.Context, cfg config.StoreConfig, origin string, clk clock.Clock) (store.Store, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]any{"component": "store", "driver": cfg.Driver})

	switch cfg.Driver {
	case config.DriverMemory, "":
		return memory.New(clk), nil
	case config.DriverRedis:
		return redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
		}, origin, logger)
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			Channel:  cfg.Postgres.Channel,
			MaxConns: cfg.Postgres.MaxConns,
			TraceSQL: cfg.Postgres.TraceSQL,
		}, origin, logger)
	case config.DriverNATS:
		return natskv.New(ctx, natskv.Config{
			URL:      cfg.NATS.URL,
			User:     cfg.NATS.User,
			Password: cfg.NATS.Password,
			Bucket:   cfg.NATS.Bucket,
		}, origin, logger)
	default:
		return nil, config.NewConfigError("store.driver", fmt.Sprintf("unknown driver %q", cfg.Driver))
	}
}
