package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

type redisRunStateRepo struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRunStateRepository connects to cfg.Addr and checks the connection.
func NewRedisRunStateRepository(ctx context.Context, cfg common.RedisConfig, logger *slog.Logger) (RunStateRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logger.Error("failed to connect to redis", "addr", cfg.Addr, "error", err)
		return nil, err
	}
	logger.Info("redis state store ready", "addr", cfg.Addr, "prefix", cfg.Prefix)
	return NewRedisRunStateRepositoryFromClient(client, cfg.Prefix, cfg.TTL, logger), nil
}

// NewRedisRunStateRepositoryFromClient wraps an existing client; the
// repository closes it on Close.
func NewRedisRunStateRepositoryFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) RunStateRepository {
	if prefix == "" {
		prefix = "safety"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRunStateRepo{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *redisRunStateRepo) Save(ctx context.Context, state *entity.RunState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.stateKey(state.RunID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), state.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("failed to save run state", "run_id", state.RunID, "error", err)
		return err
	}
	return nil
}

func (r *redisRunStateRepo) Load(ctx context.Context, runID string) (*entity.RunState, error) {
	data, err := r.client.Get(ctx, r.stateKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(runID)
	}
	if err != nil {
		r.logger.Error("failed to load run state", "run_id", runID, "error", err)
		return nil, err
	}
	return decodeState(runID, data)
}

// List returns run IDs from the index; expired snapshots are pruned from it.
func (r *redisRunStateRepo) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	var live []string
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.stateKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	slices.Sort(live)
	return live, nil
}

func (r *redisRunStateRepo) Close() error {
	return r.client.Close()
}

func (r *redisRunStateRepo) stateKey(runID string) string {
	return fmt.Sprintf("%s:run_state:%s", r.prefix, runID)
}

func (r *redisRunStateRepo) indexKey() string {
	return fmt.Sprintf("%s:run_state:index", r.prefix)
}
