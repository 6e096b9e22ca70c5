package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// RunStateRepository persists RunState snapshots keyed by run ID. Save
// replaces the previous snapshot atomically; Load returns an error wrapping
// common.ErrNotFound when no snapshot exists.
type RunStateRepository interface {
	Save(ctx context.Context, state *entity.RunState) error
	Load(ctx context.Context, runID string) (*entity.RunState, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Store kinds accepted by NewRunStateRepository.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

// NewRunStateRepository opens the store selected by cfg.Kind.
func NewRunStateRepository(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (RunStateRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case KindFile, "":
		return NewFileRunStateRepository(cfg.Dir, logger)
	case KindSQLite:
		return NewSQLiteRunStateRepository(ctx, cfg.SQLitePath, logger)
	case KindPostgres:
		pool, err := Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := HealthCheck(ctx, pool, cfg.Database.DialTimeout, logger); err != nil {
			Close(pool, logger)
			return nil, err
		}
		return NewPostgresRunStateRepository(ctx, pool, logger)
	case KindRedis:
		return NewRedisRunStateRepository(ctx, cfg.Redis, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", "unknown state store "+cfg.Kind, common.ErrInvalidInput)
	}
}

func encodeState(state *entity.RunState) ([]byte, error) {
	if state == nil || state.RunID == "" {
		return nil, fmt.Errorf("run state without run id: %w", common.ErrInvalidInput)
	}
	return json.Marshal(state)
}

func decodeState(runID string, data []byte) (*entity.RunState, error) {
	var st entity.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode run state %s: %w", runID, err)
	}
	if st.Results == nil {
		st.Results = map[string]entity.ResultRecord{}
	}
	return &st, nil
}

func notFound(runID string) error {
	return fmt.Errorf("run state %s: %w", runID, common.ErrNotFound)
}
