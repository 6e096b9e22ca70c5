package entity

import (
	"encoding/json"

	"github.com/bpalas/street-safety-vision/constants"
)

// SafetyAssessment is the normalized shape we want from the vision model.
type SafetyAssessment struct {
	SafetyScore      float64  `json:"safety_score"`         // 0..10, higher is safer
	RiskLevel        string   `json:"risk_level"`           // low|medium|high
	Hazards          []string `json:"hazards"`              // constants.Hazard values
	PositiveFeatures []string `json:"positive_features,omitempty"`
	Description      string   `json:"description"`
	Confidence       float64  `json:"confidence,omitempty"` // optional (0..1)
}

// ResultRecord is the final per-image outcome. Exactly one exists for every
// RequestItem of a collected run.
type ResultRecord struct {
	CorrelationID string                 `json:"correlation_id"`
	Identifier    string                 `json:"identifier"`
	Status        constants.ResultStatus `json:"status"`
	Raw           json.RawMessage        `json:"raw,omitempty"`
	Assessment    *SafetyAssessment      `json:"assessment,omitempty"`
	Error         string                 `json:"error,omitempty"`
	JobHandle     string                 `json:"job_handle,omitempty"`
}
