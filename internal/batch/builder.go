package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
)

const maxCorrelationToken = 64

// Template is the fixed prompt/schema part of every request of a run.
type Template struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	ImageDetail  string
	SystemPrompt string
	UserText     string
	SchemaName   string
	Schema       map[string]any
}

// Builder turns image references into batch request items. It is pure: the
// same reference and template always produce the same item.
type Builder struct {
	tmpl Template
}

func NewBuilder(tmpl Template) *Builder {
	if tmpl.Model == "" {
		tmpl.Model = constants.DefaultModel
	}
	if tmpl.MaxTokens <= 0 {
		tmpl.MaxTokens = constants.DefaultMaxTokens
	}
	if !slices.Contains(constants.ImageDetails, tmpl.ImageDetail) {
		tmpl.ImageDetail = constants.DefaultImageDetail
	}
	if tmpl.SchemaName == "" {
		tmpl.SchemaName = "street_safety_assessment"
	}
	if tmpl.Schema == nil {
		tmpl.Schema = llm.BuildSafetyJSONSchema(constants.AsStringSlice())
	}
	if tmpl.SystemPrompt == "" {
		tmpl.SystemPrompt = llm.BuildSystemPrompt(constants.AsStringSlice())
	}
	return &Builder{tmpl: tmpl}
}

// CorrelationID derives a run-unique, provider-safe ID from an image identifier.
// Identifiers that need escaping or truncation get a hash suffix so two
// different identifiers can never map to the same ID.
func CorrelationID(identifier string) string {
	var b strings.Builder
	lossy := false
	for _, r := range identifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
			lossy = true
		}
	}
	token := b.String()
	if len(token) > maxCorrelationToken {
		token = token[:maxCorrelationToken]
		lossy = true
	}
	if lossy {
		sum := sha256.Sum256([]byte(identifier))
		token += "~" + hex.EncodeToString(sum[:])[:12]
	}
	return "img-" + token
}

// Build creates the request item for one reference.
func (b *Builder) Build(ref entity.ImageReference) (entity.RequestItem, error) {
	if ref.Identifier == "" || ref.URL == "" {
		return entity.RequestItem{}, fmt.Errorf("reference %q has no url: %w", ref.Identifier, common.ErrInvalidInput)
	}
	body := map[string]any{
		"model":       b.tmpl.Model,
		"temperature": b.tmpl.Temperature,
		"max_tokens":  b.tmpl.MaxTokens,
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   b.tmpl.SchemaName,
				"schema": b.tmpl.Schema,
				"strict": false,
			},
		},
		"messages": []map[string]any{
			{"role": "system", "content": b.tmpl.SystemPrompt},
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": llm.BuildUserPrompt(b.tmpl.UserText, ref.Identifier)},
					{"type": "image_url", "image_url": map[string]any{"url": ref.URL, "detail": b.tmpl.ImageDetail}},
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return entity.RequestItem{}, fmt.Errorf("marshal request body: %w", err)
	}
	return entity.RequestItem{
		CorrelationID: CorrelationID(ref.Identifier),
		Reference:     ref,
		Body:          raw,
	}, nil
}

// BuildAll builds one item per reference, preserving order, and fails if two
// references would share a correlation ID.
func (b *Builder) BuildAll(refs []entity.ImageReference) ([]entity.RequestItem, error) {
	items := make([]entity.RequestItem, 0, len(refs))
	seen := make(map[string]string, len(refs))
	for _, ref := range refs {
		item, err := b.Build(ref)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[item.CorrelationID]; dup {
			return nil, fmt.Errorf("identifiers %q and %q share correlation id %s: %w", prev, ref.Identifier, item.CorrelationID, common.ErrInvalidInput)
		}
		seen[item.CorrelationID] = ref.Identifier
		items = append(items, item)
	}
	return items, nil
}
