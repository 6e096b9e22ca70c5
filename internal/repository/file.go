package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

const stateFileSuffix = ".state.json"

type fileRunStateRepo struct {
	dir    string
	logger *slog.Logger
}

// NewFileRunStateRepository stores one JSON document per run under dir.
func NewFileRunStateRepository(dir string, logger *slog.Logger) (RunStateRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "state dir is required", common.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &fileRunStateRepo{dir: dir, logger: logger}, nil
}

func (r *fileRunStateRepo) path(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return "", fmt.Errorf("run id %q is not a valid file name: %w", runID, common.ErrInvalidInput)
	}
	return filepath.Join(r.dir, runID+stateFileSuffix), nil
}

// Save writes to a temp file in the same directory and renames it over the
// previous snapshot, so a crash never leaves a torn document.
func (r *fileRunStateRepo) Save(_ context.Context, state *entity.RunState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	p, err := r.path(state.RunID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, state.RunID+".*.tmp")
	if err != nil {
		r.logger.Error("failed to create temp state file", "run_id", state.RunID, "error", err)
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		r.logger.Error("failed to replace state file", "run_id", state.RunID, "path", p, "error", err)
		return err
	}
	return nil
}

func (r *fileRunStateRepo) Load(_ context.Context, runID string) (*entity.RunState, error) {
	p, err := r.path(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(runID)
	}
	if err != nil {
		r.logger.Error("failed to read state file", "run_id", runID, "path", p, "error", err)
		return nil, err
	}
	return decodeState(runID, data)
}

func (r *fileRunStateRepo) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateFileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), stateFileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fileRunStateRepo) Close() error { return nil }
