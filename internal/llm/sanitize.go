package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/bpalas/street-safety-vision/constants"
)

// NormalizeAndSanitizeJSON
// - Strips markdown code fences some models wrap JSON in
// - Renames known synonyms (score -> safety_score, risks -> hazards)
// - Coerces numeric strings to numbers for score fields
// - Canonicalizes hazard labels against the taxonomy
// - Drops null optionals and unknown keys (additionalProperties = false friendliness)
//
// Required fields are never invented: a payload missing one still fails validation.
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(StripCodeFence(raw), &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 8)
	renamed := func(from, to string) {
		if v, ok := m[from]; ok {
			// don't overwrite existing value if already present
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
			dropped = append(dropped, from+"->"+to)
		}
	}

	// 1) rename synonyms to the schema
	renamed("score", "safety_score")
	renamed("safety", "safety_score")
	renamed("risk", "risk_level")
	renamed("risks", "hazards")
	renamed("hazard", "hazards")
	renamed("summary", "description")

	// 2) coerce number-ish fields
	for _, k := range []string{"safety_score", "confidence"} {
		switch t := m[k].(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				m[k] = f
			}
		case nil:
			if _, ok := m[k]; ok && k == "confidence" {
				delete(m, k)
				dropped = append(dropped, k+"(null)")
			}
		}
	}

	// 3) risk level casing
	if v, ok := m["risk_level"].(string); ok {
		m["risk_level"] = strings.ToLower(strings.TrimSpace(v))
	}

	// 4) hazards: single string -> list, canonical labels, dedupe
	switch t := m["hazards"].(type) {
	case string:
		m["hazards"] = canonicalHazards([]any{t})
	case []any:
		m["hazards"] = canonicalHazards(t)
	}

	if v, ok := m["positive_features"]; ok && v == nil {
		delete(m, "positive_features")
		dropped = append(dropped, "positive_features(null)")
	}

	// 5) remove unknown keys
	allowed := make(map[string]struct{}, len(SchemaKeys))
	for _, k := range SchemaKeys {
		allowed[k] = struct{}{}
	}
	for k := range maps.Clone(m) {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	if v, ok := m["description"].(string); ok {
		m["description"] = strings.TrimSpace(v)
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Debug("llm.result.normalize_sanitize", "dropped", dropped)
	}
	return out, dropped, nil
}

func canonicalHazards(in []any) []any {
	seen := map[constants.Hazard]struct{}{}
	out := make([]any, 0, len(in))
	for _, v := range in {
		s, ok := v.(string)
		if !ok {
			// leave non-strings in place so validation reports them
			out = append(out, v)
			continue
		}
		h, _ := constants.Canonicalize(s)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, string(h))
	}
	return out
}

// StripCodeFence removes a surrounding ```json ... ``` block if present.
func StripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
