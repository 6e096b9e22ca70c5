package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bpalas/street-safety-vision/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS run_state (
	run_id     TEXT PRIMARY KEY,
	phase      TEXT NOT NULL,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

type postgresRunStateRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRunStateRepository keeps snapshots in a JSONB column. The
// repository owns pool: it is closed on Close, or here when the migration fails.
func NewPostgresRunStateRepository(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (RunStateRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		logger.Error("failed to migrate run_state table", "error", err)
		Close(pool, logger)
		return nil, err
	}
	return &postgresRunStateRepo{pool: pool, logger: logger}, nil
}

func (r *postgresRunStateRepo) Save(ctx context.Context, state *entity.RunState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO run_state (run_id, phase, state, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET phase = EXCLUDED.phase, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.RunID, string(state.Phase), data, state.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save run state", "run_id", state.RunID, "error", err)
		return err
	}
	return nil
}

func (r *postgresRunStateRepo) Load(ctx context.Context, runID string) (*entity.RunState, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT state FROM run_state WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(runID)
	}
	if err != nil {
		r.logger.Error("failed to load run state", "run_id", runID, "error", err)
		return nil, err
	}
	return decodeState(runID, data)
}

func (r *postgresRunStateRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT run_id FROM run_state ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *postgresRunStateRepo) Close() error {
	Close(r.pool, r.logger)
	return nil
}
