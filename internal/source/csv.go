package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// CSVOptions locates the identifier and URL columns of an image manifest.
type CSVOptions struct {
	Path      string
	IDColumn  string
	URLColumn string
}

// CSVSource reads a cleaned image manifest: one row per image, an identifier
// column and a public URL column. Rows without a URL are resolved through the
// resolver; rows repeating an identifier are skipped.
type CSVSource struct {
	opts     CSVOptions
	resolver *Resolver
	log      *slog.Logger
}

func NewCSVSource(opts CSVOptions, resolver *Resolver, logger *slog.Logger) *CSVSource {
	if opts.IDColumn == "" {
		opts.IDColumn = constants.ColumnIdentifier
	}
	if opts.URLColumn == "" {
		opts.URLColumn = constants.ColumnURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{opts: opts, resolver: resolver, log: logger}
}

// References implements Source. A manifest that cannot be opened or has no
// identifier column yields a single error and stops.
func (s *CSVSource) References(ctx context.Context) iter.Seq2[entity.ImageReference, error] {
	return func(yield func(entity.ImageReference, error) bool) {
		f, err := os.Open(s.opts.Path)
		if err != nil {
			yield(entity.ImageReference{}, fmt.Errorf("open manifest: %w", err))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		header, err := r.Read()
		if err != nil {
			yield(entity.ImageReference{}, fmt.Errorf("read manifest header: %w", err))
			return
		}
		cols := indexColumns(header)
		idIdx, ok := cols[s.opts.IDColumn]
		if !ok {
			yield(entity.ImageReference{}, fmt.Errorf("manifest has no %q column: %w", s.opts.IDColumn, common.ErrInvalidInput))
			return
		}

		seen := map[string]struct{}{}
		for row := 1; ; row++ {
			if ctx.Err() != nil {
				yield(entity.ImageReference{}, ctx.Err())
				return
			}
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if !yield(entity.ImageReference{}, &common.ReferenceResolutionError{Identifier: fmt.Sprintf("row %d", row), Cause: err}) {
					return
				}
				continue
			}
			id := strings.TrimSpace(field(rec, idIdx))
			if id == "" {
				if !yield(entity.ImageReference{}, &common.ReferenceResolutionError{Identifier: fmt.Sprintf("row %d", row), Cause: errors.New("empty identifier")}) {
					return
				}
				continue
			}
			if _, dup := seen[id]; dup {
				s.log.Warn("source.csv.duplicate_identifier", "identifier", id, "row", row)
				continue
			}
			seen[id] = struct{}{}

			ref, err := s.reference(ctx, id, rec, header, cols)
			if !yield(ref, err) {
				return
			}
		}
	}
}

func (s *CSVSource) reference(ctx context.Context, id string, rec, header []string, cols map[string]int) (entity.ImageReference, error) {
	ref := entity.ImageReference{Identifier: id, Attributes: map[string]string{}}
	for i, h := range header {
		switch h {
		case s.opts.IDColumn, s.opts.URLColumn, constants.ColumnLat, constants.ColumnLon, constants.ColumnCapturedAt, constants.ColumnTile:
			continue
		}
		ref.Attributes[h] = field(rec, i)
	}

	u := ""
	if i, ok := cols[s.opts.URLColumn]; ok {
		u = strings.TrimSpace(field(rec, i))
	}
	if u == "" {
		resolved, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return entity.ImageReference{}, err
		}
		u = resolved
	} else if err := s.resolver.Check(ctx, id, u); err != nil {
		return entity.ImageReference{}, err
	}
	ref.URL = u

	if i, ok := cols[constants.ColumnLat]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(field(rec, i)), 64); err == nil {
			ref.Lat = &v
		}
	}
	if i, ok := cols[constants.ColumnLon]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(field(rec, i)), 64); err == nil {
			ref.Lon = &v
		}
	}
	if i, ok := cols[constants.ColumnCapturedAt]; ok {
		ref.CapturedAt = parseDate(field(rec, i))
	}
	if i, ok := cols[constants.ColumnTile]; ok {
		ref.SourceTile = strings.TrimSpace(field(rec, i))
	}
	return ref, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		header[i] = h
		cols[h] = i
	}
	return cols
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
