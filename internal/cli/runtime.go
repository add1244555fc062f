package cli

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/relance"
)

func (a *app) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     a.settings.Redis.Addr,
		Password: a.settings.Redis.Password,
		DB:       a.settings.Redis.DB,
	})
}

func (a *app) asynqRedis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.settings.Redis.Addr,
		Password: a.settings.Redis.Password,
		DB:       a.settings.Redis.DB,
	}
}

// startRuntime initializes the relance engine. The returned func stops it
// and releases the Redis client.
func (a *app) startRuntime(ctx context.Context, reg prometheus.Registerer) (*relance.Runtime, func(), error) {
	var rdb *redis.Client
	opts := relance.Options{
		Settings:  a.settings.Engine,
		Types:     a.types,
		Relances:  a.relances,
		Snapshots: a.snapshots,
		Registry:  reg,
		Log:       a.log.Named("relance"),
	}
	if a.settings.Engine.GuardBackend == "redis" {
		rdb = a.redisClient()
		opts.Redis = rdb
	}

	rt, err := relance.Initialize(ctx, opts)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, nil, err
	}
	return rt, func() {
		rt.Stop()
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				a.log.Warn("failed to close redis client", logger.Error(err))
			}
		}
	}, nil
}
