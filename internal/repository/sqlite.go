package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bpalas/street-safety-vision/internal/entity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_state (
	run_id     TEXT PRIMARY KEY,
	phase      TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

type sqliteRunStateRepo struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteRunStateRepository opens (and migrates) a single-file SQLite store.
func NewSQLiteRunStateRepository(ctx context.Context, path string, logger *slog.Logger) (RunStateRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		logger.Error("failed to open sqlite store", "path", path, "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		logger.Error("failed to migrate sqlite store", "path", path, "error", err)
		return nil, err
	}
	logger.Info("sqlite state store ready", "path", path)
	return &sqliteRunStateRepo{db: db, logger: logger}, nil
}

func (r *sqliteRunStateRepo) Save(ctx context.Context, state *entity.RunState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO run_state (run_id, phase, state, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET phase = excluded.phase, state = excluded.state, updated_at = excluded.updated_at`,
		state.RunID, string(state.Phase), string(data), state.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		r.logger.Error("failed to save run state", "run_id", state.RunID, "error", err)
		return err
	}
	return nil
}

func (r *sqliteRunStateRepo) Load(ctx context.Context, runID string) (*entity.RunState, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM run_state WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(runID)
	}
	if err != nil {
		r.logger.Error("failed to load run state", "run_id", runID, "error", err)
		return nil, err
	}
	return decodeState(runID, []byte(data))
}

func (r *sqliteRunStateRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT run_id FROM run_state ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteRunStateRepo) Close() error {
	return r.db.Close()
}
