package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// Source enumerates the image population of a run. Each call to References
// starts a fresh, finite enumeration. A *common.ReferenceResolutionError is
// reported for one identifier and enumeration continues after it; any other
// yielded error ends the enumeration.
type Source interface {
	References(ctx context.Context) iter.Seq2[entity.ImageReference, error]
}

// Collect drains src, splitting references from resolution errors. An
// unreadable population or a cancelled context aborts it.
func Collect(ctx context.Context, src Source, logger *slog.Logger) ([]entity.ImageReference, []error, error) {
	logger = common.LoggerFrom(ctx, logger)
	var (
		refs []entity.ImageReference
		errs []error
	)
	for ref, err := range src.References(ctx) {
		if err != nil {
			var rre *common.ReferenceResolutionError
			if !errors.As(err, &rre) {
				return refs, errs, err
			}
			logger.Warn("source.reference.unresolved", "error", err)
			errs = append(errs, err)
			continue
		}
		refs = append(refs, ref)
	}
	if err := ctx.Err(); err != nil {
		return refs, errs, err
	}
	logger.Info("source.enumerated", "references", len(refs), "resolution_errors", len(errs))
	return refs, errs, nil
}

// New builds the source configured for a run.
func New(cfg common.SourceConfig, resolver *Resolver, logger *slog.Logger) (Source, error) {
	switch {
	case cfg.CSVPath != "":
		return NewCSVSource(CSVOptions{
			Path:      cfg.CSVPath,
			IDColumn:  cfg.IDColumn,
			URLColumn: cfg.URLColumn,
		}, resolver, logger), nil
	case len(cfg.Coordinates) > 0:
		return NewCoordinateSource(cfg.Coordinates, resolver), nil
	case cfg.BBox != nil:
		coords, err := GridCoordinates(*cfg.BBox, cfg.GridStep)
		if err != nil {
			return nil, err
		}
		return NewCoordinateSource(coords, resolver), nil
	}
	return nil, common.NewAppError("CONFIG_ERROR", "no image population configured", common.ErrInvalidInput)
}

// GridCoordinates samples box on a regular step, inclusive of both edges.
func GridCoordinates(box common.BoundingBox, step float64) ([]common.Coordinate, error) {
	if step <= 0 {
		return nil, fmt.Errorf("grid step must be positive: %w", common.ErrInvalidInput)
	}
	nLat := int(math.Floor((box.MaxLat-box.MinLat)/step+1e-9)) + 1
	nLon := int(math.Floor((box.MaxLon-box.MinLon)/step+1e-9)) + 1
	if nLat*nLon > 1_000_000 {
		return nil, fmt.Errorf("grid of %d points is too large: %w", nLat*nLon, common.ErrInvalidInput)
	}
	coords := make([]common.Coordinate, 0, nLat*nLon)
	for i := 0; i < nLat; i++ {
		for j := 0; j < nLon; j++ {
			coords = append(coords, common.Coordinate{
				Lat: roundCoord(box.MinLat + float64(i)*step),
				Lon: roundCoord(box.MinLon + float64(j)*step),
			})
		}
	}
	return coords, nil
}

func roundCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
