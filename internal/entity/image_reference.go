package entity

import "time"

// ImageReference is one geotagged image already staged in object storage.
// Values are immutable once created by a source.
type ImageReference struct {
	Identifier string    `json:"identifier"`
	URL        string    `json:"url"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	SourceTile string    `json:"source_tile,omitempty"`
	// Attributes carries the remaining source columns untouched so exports can
	// join results back onto the original rows.
	Attributes map[string]string `json:"attributes,omitempty"`
}
