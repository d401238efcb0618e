package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
)

// provide picks the redis-backed bucket when redis is configured and
// falls back to the in-process one otherwise.
func provide(cfg config.Config, clk clock.Clock, log *zap.Logger) Limiter {
	if cfg.RedisAddr == "" {
		log.Named("ratelimit").Info("redis not configured, using in-process rate limiter")
		return NewLocalBucket(clk)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewTokenBucket(client)
}

var Module = fx.Module("ratelimit",
	fx.Provide(provide),
)
