package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/entity"
)

func TestNormalizeAndSanitizeJSON(t *testing.T) {
	t.Run("renames synonyms and coerces numbers", func(t *testing.T) {
		out, notes, err := NormalizeAndSanitizeJSON([]byte(`{"score":"6.5","risk":" Medium ","hazard":"potholes","summary":"x"}`), nil)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(out, &m))
		assert.Equal(t, 6.5, m["safety_score"])
		assert.Equal(t, "medium", m["risk_level"])
		assert.Equal(t, []any{"DamagedInfrastructure"}, m["hazards"])
		assert.Equal(t, "x", m["description"])
		assert.Contains(t, notes, "score->safety_score")
	})

	t.Run("keeps existing keys over synonyms", func(t *testing.T) {
		out, _, err := NormalizeAndSanitizeJSON([]byte(`{"safety_score":9,"score":1}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"safety_score":9}`, string(out))
	})

	t.Run("drops nulls and unknown keys", func(t *testing.T) {
		out, notes, err := NormalizeAndSanitizeJSON([]byte(`{"confidence":null,"positive_features":null,"weather":"sunny"}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(out))
		assert.ElementsMatch(t, []string{"confidence(null)", "positive_features(null)", "weather(unknown)"}, notes)
	})

	t.Run("dedupes canonical hazards", func(t *testing.T) {
		out, _, err := NormalizeAndSanitizeJSON([]byte(`{"hazards":["graffiti","Vandalism","bars","fences"]}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"hazards":["Graffiti","SecurityBarriers"]}`, string(out))
	})

	t.Run("never invents required fields", func(t *testing.T) {
		out, _, err := NormalizeAndSanitizeJSON([]byte(`{"hazards":[]}`), nil)
		require.NoError(t, err)
		v, err := DefaultSafetyValidator()
		require.NoError(t, err)
		assert.Error(t, v.Validate(out))
	})

	t.Run("rejects non objects", func(t *testing.T) {
		_, _, err := NormalizeAndSanitizeJSON([]byte(`"just text"`), nil)
		assert.Error(t, err)
	})
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(StripCodeFence([]byte("```json\n{\"a\":1}\n```"))))
	assert.Equal(t, `{"a":1}`, string(StripCodeFence([]byte("```\n{\"a\":1}```"))))
	assert.Equal(t, `{"a":1}`, string(StripCodeFence([]byte("  {\"a\":1}  "))))
}

func TestValidator(t *testing.T) {
	v, err := NewValidator(BuildSafetyJSONSchema(constants.AsStringSlice()))
	require.NoError(t, err)

	valid := `{"safety_score":4,"risk_level":"medium","hazards":["Litter"],"positive_features":["street lights"],"description":"d","confidence":0.8}`
	assert.NoError(t, v.Validate([]byte(valid)))

	invalid := map[string]string{
		"score out of range":  `{"safety_score":11,"risk_level":"low","hazards":[],"description":"d"}`,
		"unknown risk level":  `{"safety_score":5,"risk_level":"extreme","hazards":[],"description":"d"}`,
		"hazard not in enum":  `{"safety_score":5,"risk_level":"low","hazards":["Zombies"],"description":"d"}`,
		"missing description": `{"safety_score":5,"risk_level":"low","hazards":[]}`,
		"extra property":      `{"safety_score":5,"risk_level":"low","hazards":[],"description":"d","mood":"x"}`,
		"not json":            `nope`,
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, v.Validate([]byte(doc)))
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(constants.AsStringSlice())
	assert.Contains(t, p, "Allowed hazards (enum): PoorLighting, Graffiti")
	assert.Contains(t, p, "Tie-breaker")
	assert.True(t, strings.Contains(p, "safety_score"))

	open := BuildSystemPrompt(nil)
	assert.NotContains(t, open, "Allowed hazards")
}

func TestBuildUserPrompt(t *testing.T) {
	assert.Equal(t, DefaultUserText+"\nImage id: a1", BuildUserPrompt("  ", "a1"))
	assert.Equal(t, "Look.", BuildUserPrompt("Look.", ""))
}

func TestLoadSystemPrompt(t *testing.T) {
	builtin, err := LoadSystemPrompt("", []string{"Litter"})
	require.NoError(t, err)
	assert.Contains(t, builtin, "Litter")

	_, err = LoadSystemPrompt("/does/not/exist.txt", nil)
	assert.Error(t, err)
}

func TestEncodeBatchLine(t *testing.T) {
	line, err := EncodeBatchLine(testItem(), "/v1/chat/completions")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(line), "\n"))

	var bl BatchLine
	require.NoError(t, json.Unmarshal(line, &bl))
	assert.Equal(t, "img-1", bl.CustomID)
	assert.Equal(t, "POST", bl.Method)
	assert.Equal(t, "/v1/chat/completions", bl.URL)
	assert.JSONEq(t, `{"model":"m"}`, string(bl.Body))
}

func testItem() entity.RequestItem {
	return entity.RequestItem{
		CorrelationID: "img-1",
		Reference:     entity.ImageReference{Identifier: "1", URL: "https://example.com/1.jpg"},
		Body:          json.RawMessage(`{"model":"m"}`),
	}
}
