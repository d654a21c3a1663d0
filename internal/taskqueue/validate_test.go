package taskqueue

import (
	"testing"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
)

func TestValidatePayload(t *testing.T) {
	text := models.ResponseFormat{Kind: models.FormatText}
	tests := []struct {
		name    string
		payload models.Payload
		wantErr bool
	}{
		{"ok", models.Payload{Blocks: []models.Block{{Content: "do X"}}, ResponseFormat: text}, false},
		{"no blocks", models.Payload{ResponseFormat: text}, true},
		{"blank blocks", models.Payload{Blocks: []models.Block{{Content: "  "}}, ResponseFormat: text}, true},
		{"unknown format", models.Payload{Blocks: []models.Block{{Content: "x"}}, ResponseFormat: models.ResponseFormat{Kind: "xml"}}, true},
		{"empty format", models.Payload{Blocks: []models.Block{{Content: "x"}}}, true},
		{"text with fields", models.Payload{Blocks: []models.Block{{Content: "x"}},
			ResponseFormat: models.ResponseFormat{Kind: models.FormatText, Fields: map[string]string{"a": "string"}}}, true},
		{"bad field type", models.Payload{Blocks: []models.Block{{Content: "x"}},
			ResponseFormat: models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{"a": "date"}}}, true},
		{"json with fields", models.Payload{Blocks: []models.Block{{Content: "x"}},
			ResponseFormat: models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{"a": "string", "b": "any"}}}, false},
		{"yaml with fields", models.Payload{Blocks: []models.Block{{Content: "x"}},
			ResponseFormat: models.ResponseFormat{Kind: models.FormatYAML, Fields: map[string]string{"tags": "array"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrInvalidPayload) {
					t.Errorf("expected ErrInvalidPayload, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateResult(t *testing.T) {
	jsonFmt := models.ResponseFormat{Kind: models.FormatJSON}
	jsonFields := models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{
		"title": "string", "scenes": "array", "score": "number", "draft": "boolean",
	}}
	yamlFmt := models.ResponseFormat{Kind: models.FormatYAML}
	yamlFields := models.ResponseFormat{Kind: models.FormatYAML, Fields: map[string]string{"title": "string", "meta": "object"}}

	tests := []struct {
		name   string
		format models.ResponseFormat
		result string
		ok     bool
	}{
		{"text", models.ResponseFormat{Kind: models.FormatText}, "result text", true},
		{"text empty", models.ResponseFormat{Kind: models.FormatText}, "   ", false},
		{"json object", jsonFmt, `{"a": 1}`, true},
		{"json array padded", jsonFmt, "\n  [1, 2]\n", true},
		{"json scalar", jsonFmt, `"just a string"`, false},
		{"json with preamble", jsonFmt, `Here you go: {"a": 1}`, false},
		{"json with trailer", jsonFmt, `{"a": 1} hope this helps`, false},
		{"json fenced", jsonFmt, "```json\n{\"a\": 1}\n```", false},
		{"json two docs", jsonFmt, `{"a": 1}{"b": 2}`, false},
		{"json fields ok", jsonFields, `{"title": "t", "scenes": [], "score": 4.5, "draft": false, "extra": null}`, true},
		{"json field missing", jsonFields, `{"title": "t", "scenes": [], "score": 1}`, false},
		{"json field wrong type", jsonFields, `{"title": "t", "scenes": "none", "score": 1, "draft": true}`, false},
		{"json fields on array", jsonFields, `[{"title": "t"}]`, false},
		{"yaml mapping", yamlFmt, "title: hello\nscenes:\n  - one\n", true},
		{"yaml sequence", yamlFmt, "- a\n- b\n", true},
		{"yaml scalar", yamlFmt, "just some prose", false},
		{"yaml fenced", yamlFmt, "```yaml\ntitle: x\n```", false},
		{"yaml two docs", yamlFmt, "a: 1\n---\nb: 2\n", false},
		{"yaml fields ok", yamlFields, "title: x\nmeta:\n  k: v\n", true},
		{"yaml field wrong type", yamlFields, "title: x\nmeta: flat\n", false},
		{"yaml integer keys", yamlFmt, "1: a\n2: b\n", true},
		{"yaml nested integer keys", yamlFields, "title: x\nmeta:\n  1: one\n  true: yes\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResult(tt.format, tt.result)
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
