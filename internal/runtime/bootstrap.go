package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/queue/streams"
	"github.com/keepsakehq/keepsake/internal/store"
)

// OpenStore connects to the configured Postgres hot store.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	return store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
}

// OpenRedis connects to the configured redis instance and verifies it answers.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	pingCtx := ctx
	if cfg.Storage.Redis.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Storage.Redis.Timeout)
		defer cancel()
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// InitSchemaRegistry opens the store and returns the event schema registry
// stream producers and consumers validate against.
func InitSchemaRegistry(ctx context.Context, cfg *config.Config) (*store.Store, *streams.SchemaRegistry, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		return nil, nil, err
	}
	return st, reg, nil
}
