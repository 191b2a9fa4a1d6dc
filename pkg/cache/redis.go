package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// ConfigFromEnv reads Redis config from environment variables. An empty
// REDIS_ADDR means the cache is not deployed and the service runs store-only.
func ConfigFromEnv() Config {
	return Config{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Timeout:  5 * time.Second,
	}
}

// Connect opens a Redis client and verifies connectivity with a ping. A nil
// client with nil error means no cache is configured; a configured but
// unreachable cache is a startup failure.
func Connect(cfg Config) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
