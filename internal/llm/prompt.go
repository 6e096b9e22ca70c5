package llm

import (
	"fmt"
	"os"
	"strings"
)

// DefaultUserText is the per-image instruction sent next to the picture.
const DefaultUserText = "Analyze the following street image and assess the safety-relevant elements according to your instructions."

// LoadSystemPrompt reads a prompt file; an empty path yields the built-in prompt.
func LoadSystemPrompt(path string, allowedHazards []string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return BuildSystemPrompt(allowedHazards), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt %q: %w", path, err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", fmt.Errorf("system prompt %q is empty", path)
	}
	return p, nil
}

// BuildSystemPrompt composes the system message with the hazard taxonomy,
// scoring rubric and strict-but-practical formatting rules.
func BuildSystemPrompt(allowedHazards []string) string {
	var hazardLine string
	if len(allowedHazards) > 0 {
		hazardLine = "Every entry of 'hazards' MUST be exactly one of the allowed enum. " +
			"Allowed hazards (enum): " + strings.Join(allowedHazards, ", ") + ". "
	} else {
		hazardLine = "Each entry of 'hazards' is a short label for a visible safety problem. "
	}

	parts := []string{
		"You are an urban safety auditor looking at one street-level photograph. Return ONLY JSON that matches the provided JSON Schema.",
		"Judge only what is visible in the image; never guess about the neighbourhood or the people in it.",
		"'safety_score' is a number from 0 (clearly unsafe) to 10 (clearly safe) for a pedestrian at this spot.",
		"'risk_level' is 'low' for scores 7-10, 'medium' for 4-6.9 and 'high' below 4.",
		hazardLine,
		"Hazard rubric: " + buildHazardRubric(allowedHazards),
		"Use an empty 'hazards' list when nothing relevant is visible.",
		"List visible protective elements (street lights, crossings, active storefronts) under 'positive_features'.",
		"'description' is one or two neutral sentences about the scene (about 15-40 words). Avoid personal data, faces, licence plates.",
		"Never output null. If an optional field is not known, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt is the text part of the user message.
func BuildUserPrompt(userText, identifier string) string {
	text := strings.TrimSpace(userText)
	if text == "" {
		text = DefaultUserText
	}
	if identifier == "" {
		return text
	}
	return text + "\nImage id: " + identifier
}

// buildHazardRubric emits short rules only for hazards present in the enum.
func buildHazardRubric(allowed []string) string {
	defs := map[string]string{
		"PoorLighting":          "No or broken street lighting, very dark sidewalks.",
		"Graffiti":              "Tagging or vandalism on walls, shutters or signs.",
		"Litter":                "Visible trash, dumped garbage or debris.",
		"AbandonedProperty":     "Boarded-up, derelict buildings or vacant fenced lots.",
		"DamagedInfrastructure": "Potholes, broken pavement, damaged signs or poles.",
		"BlockedSidewalk":       "Sidewalk obstructed by cars, stalls or construction.",
		"HeavyTraffic":          "Dense or fast traffic without safe pedestrian crossings.",
		"Overgrowth":            "Unkempt vegetation reducing visibility.",
		"SecurityBarriers":      "Heavy bars, razor wire or high walls facing the street.",
		"Other":                 "Use only when nothing else applies unambiguously.",
	}
	if len(allowed) == 0 {
		return "Report only hazards you can point at in the picture."
	}

	var parts []string
	for _, h := range allowed {
		if d, ok := defs[h]; ok {
			parts = append(parts, h+": "+d)
		}
	}
	if hasAll(allowed, "AbandonedProperty", "SecurityBarriers") {
		parts = append(parts, "Tie-breaker: an occupied building with bars is 'SecurityBarriers'; an empty one is 'AbandonedProperty'.")
	}
	if len(parts) == 0 {
		return "Use the closest hazard label; if uncertain, choose 'Other'."
	}
	return strings.Join(parts, " | ")
}

func hasAll(list []string, a, b string) bool {
	foundA, foundB := false, false
	for _, x := range list {
		if x == a {
			foundA = true
		} else if x == b {
			foundB = true
		}
	}
	return foundA && foundB
}
