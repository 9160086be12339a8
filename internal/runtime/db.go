package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/quantgov/config"
	"github.com/mohammad-safakhou/quantgov/internal/store"
	"github.com/redis/go-redis/v9"
)

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("postgres configuration incomplete: %w", err)
	}
	return p.DSN(), nil
}

// OpenStore connects to Postgres using the configured DSN.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	if t := cfg.Storage.Postgres.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return store.NewWithDSN(ctx, dsn)
}

// ConnectRedis returns a pinged client, or nil when Redis is not configured.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return client, nil
}
