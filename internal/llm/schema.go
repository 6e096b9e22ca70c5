package llm

import "github.com/bpalas/street-safety-vision/constants"

// BuildSafetyJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We pass this to the provider as a structured output constraint and also use it locally to validate.
func BuildSafetyJSONSchema(allowedHazards []string) map[string]any {
	hazardItem := map[string]any{"type": "string", "minLength": 1}
	// Constrain hazards if a taxonomy is provided.
	if len(allowedHazards) > 0 {
		hazardItem = map[string]any{"type": "string", "enum": allowedHazards}
	}

	props := map[string]any{
		"safety_score": map[string]any{"type": "number", "minimum": 0.0, "maximum": 10.0},
		"risk_level":   map[string]any{"type": "string", "enum": constants.RiskLevels},
		"hazards": map[string]any{
			"type":  "array",
			"items": hazardItem,
		},
		"positive_features": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"description": map[string]any{"type": "string", "minLength": 1},
		"confidence":  map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
	}
	required := []string{"safety_score", "risk_level", "hazards", "description"}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

// SchemaKeys are the properties the safety schema allows.
var SchemaKeys = []string{"safety_score", "risk_level", "hazards", "positive_features", "description", "confidence"}
