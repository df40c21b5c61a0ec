package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"livesession/internal/config"
)

// NewRedisClient connects to the Redis instance holding session locks,
// locations and expiration events, waiting up to cfg.ConnectTimeout for it to
// answer. With nrApp set, every command is recorded as a datastore segment.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, nrApp *newrelic.Application, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if nrApp != nil {
		client.AddHook(nrRedisHook{})
	}

	err := waitReady(ctx, cfg.ConnectTimeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, func(err error, wait time.Duration) {
		log.Warn("redis not ready", "addr", cfg.Addr, "retry_in", wait, "error", err)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// keyCollection names the key family a command touches, such as "lock" for
// "lock:session:<id>" or "sessions" for the location index.
func keyCollection(cmd redis.Cmder) string {
	args := cmd.Args()
	if len(args) < 2 {
		return "redis"
	}
	key, ok := args[1].(string)
	if !ok {
		return "redis"
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// nrRedisHook records Redis commands on the transaction carried by the context.
type nrRedisHook struct{}

func (nrRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (nrRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if txn := newrelic.FromContext(ctx); txn != nil {
			segment := newrelic.DatastoreSegment{
				StartTime:  txn.StartSegmentNow(),
				Product:    newrelic.DatastoreRedis,
				Operation:  cmd.Name(),
				Collection: keyCollection(cmd),
			}
			defer segment.End()
		}
		return next(ctx, cmd)
	}
}

func (nrRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if txn := newrelic.FromContext(ctx); txn != nil && len(cmds) > 0 {
			segment := newrelic.DatastoreSegment{
				StartTime:  txn.StartSegmentNow(),
				Product:    newrelic.DatastoreRedis,
				Operation:  "pipeline",
				Collection: keyCollection(cmds[0]),
			}
			defer segment.End()
		}
		return next(ctx, cmds)
	}
}
