package source

import (
	"context"
	"fmt"
	"iter"

	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

// CoordinateSource enumerates an explicit list of lat/lon pairs; each pair's
// identifier is "<lat>_<lon>" with six decimals.
type CoordinateSource struct {
	coords   []common.Coordinate
	resolver *Resolver
}

func NewCoordinateSource(coords []common.Coordinate, resolver *Resolver) *CoordinateSource {
	return &CoordinateSource{coords: coords, resolver: resolver}
}

// CoordinateIdentifier formats the identifier of a lat/lon pair.
func CoordinateIdentifier(lat, lon float64) string {
	return fmt.Sprintf("%.6f_%.6f", lat, lon)
}

// References implements Source.
func (s *CoordinateSource) References(ctx context.Context) iter.Seq2[entity.ImageReference, error] {
	return func(yield func(entity.ImageReference, error) bool) {
		seen := make(map[string]struct{}, len(s.coords))
		for _, c := range s.coords {
			if ctx.Err() != nil {
				yield(entity.ImageReference{}, ctx.Err())
				return
			}
			id := CoordinateIdentifier(c.Lat, c.Lon)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			u, err := s.resolver.Resolve(ctx, id)
			if err != nil {
				if !yield(entity.ImageReference{}, err) {
					return
				}
				continue
			}
			lat, lon := c.Lat, c.Lon
			if !yield(entity.ImageReference{Identifier: id, URL: u, Lat: &lat, Lon: &lon}, nil) {
				return
			}
		}
	}
}
