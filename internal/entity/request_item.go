package entity

import "encoding/json"

// RequestItem is one inference request inside a batch job.
// CorrelationID is unique within a run and is the only link from an output
// line back to its image.
type RequestItem struct {
	CorrelationID string          `json:"correlation_id"`
	Reference     ImageReference  `json:"reference"`
	Body          json.RawMessage `json:"body"`
}
