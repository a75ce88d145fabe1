package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caesar-terminal/feedhub/internal/config"
)

// redisClient adapts *redis.Client to adapter.RedisClient.
type redisClient struct {
	*redis.Client
}

func (c redisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.Client.HSet(ctx, key, values...).Err()
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (redisClient, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return redisClient{}, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return redisClient{Client: c}, nil
}

func newPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
