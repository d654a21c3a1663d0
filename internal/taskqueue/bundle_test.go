package taskqueue

import (
	"strings"
	"testing"

	"github.com/fentz26/baton/internal/models"
)

func TestRenderBundle(t *testing.T) {
	task := &models.Task{Payload: models.Payload{
		Blocks: []models.Block{
			{Role: "instruction", Content: "Rewrite the hook"},
			{Role: "context", Content: "Chapter 2 draft"},
		},
		ResponseFormat: models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{"title": "string", "body": "string"}},
	}}

	out := RenderBundle(task)
	for _, want := range []string{"[instruction]\nRewrite the hook", "[context]\nChapter 2 draft", "Respond as json.", "body: string, title: string"} {
		if !strings.Contains(out, want) {
			t.Errorf("bundle missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Rewrite") > strings.Index(out, "Chapter") {
		t.Error("blocks must keep their order")
	}
}

func TestRenderBundle_Text(t *testing.T) {
	task := &models.Task{Payload: models.Payload{
		Blocks:         []models.Block{{Content: "Name three colors"}},
		ResponseFormat: models.ResponseFormat{Kind: models.FormatText},
	}}
	if got := RenderBundle(task); got != "Name three colors\n\nRespond as text." {
		t.Errorf("RenderBundle = %q", got)
	}
}
