package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/teamchat/internal/config"
)

// NewClient connects and pings redis.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
