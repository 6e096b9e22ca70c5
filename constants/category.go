package constants

import (
	"strings"
)

// Hazard is a street-level safety signal the vision model may report.
type Hazard string

const (
	PoorLighting          Hazard = "PoorLighting"
	Graffiti              Hazard = "Graffiti"
	Litter                Hazard = "Litter"
	AbandonedProperty     Hazard = "AbandonedProperty"
	DamagedInfrastructure Hazard = "DamagedInfrastructure"
	BlockedSidewalk       Hazard = "BlockedSidewalk"
	HeavyTraffic          Hazard = "HeavyTraffic"
	Overgrowth            Hazard = "Overgrowth"
	SecurityBarriers      Hazard = "SecurityBarriers"
	Other                 Hazard = "Other"
)

var allHazards = []Hazard{
	PoorLighting,
	Graffiti,
	Litter,
	AbandonedProperty,
	DamagedInfrastructure,
	BlockedSidewalk,
	HeavyTraffic,
	Overgrowth,
	SecurityBarriers,
	Other,
}

func AsStringSlice() []string {
	result := make([]string, len(allHazards))
	for i, h := range allHazards {
		result[i] = string(h)
	}
	return result
}

// RiskLevels are the allowed values of risk_level.
var RiskLevels = []string{"low", "medium", "high"}

func Canonicalize(input string) (Hazard, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	// synonyms map
	synonyms := map[string]Hazard{
		"lighting":            PoorLighting,
		"dark":                PoorLighting,
		"no streetlights":     PoorLighting,
		"vandalism":           Graffiti,
		"trash":               Litter,
		"garbage":             Litter,
		"abandoned":           AbandonedProperty,
		"vacant lot":          AbandonedProperty,
		"potholes":            DamagedInfrastructure,
		"broken sidewalk":     DamagedInfrastructure,
		"obstructed sidewalk": BlockedSidewalk,
		"traffic":             HeavyTraffic,
		"vegetation":          Overgrowth,
		"bars":                SecurityBarriers,
		"fences":              SecurityBarriers,
	}

	if h, ok := synonyms[normalized]; ok {
		return h, true
	}

	// check if it matches any hazard string
	for _, h := range allHazards {
		if normalized == strings.ToLower(string(h)) {
			return h, true
		}
	}

	return Other, false
}
