package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
)

type memSink struct {
	entries []models.AuditEntry
	err     error
}

func (m *memSink) AppendAudit(_ context.Context, e models.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestHashInputs_Stable(t *testing.T) {
	a := HashInputs(map[string]string{"scope": "CH01/035", "holder": "a"})
	b := HashInputs(map[string]string{"holder": "a", "scope": "CH01/035"})
	if a != b {
		t.Errorf("map key order changed the hash: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
	if HashInputs(func() {}) != "hash_error" {
		t.Error("unmarshalable inputs should hash to hash_error")
	}
}

func TestNewEntry_DefaultsActor(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	e := NewEntry(ActionLockReclaim, "", "a/b", nil, "reclaimed", "", at)
	if e.Actor != SystemActor {
		t.Errorf("actor = %q, want %q", e.Actor, SystemActor)
	}
	if e.ID == "" {
		t.Error("expected an id")
	}
	if e.Timestamp.Location() != time.UTC || !e.Timestamp.Equal(at) {
		t.Errorf("timestamp not normalized to UTC: %v", e.Timestamp)
	}
}

func TestPDRWriter_RecordMirrorsToLog(t *testing.T) {
	var buf bytes.Buffer
	sink := &memSink{}
	w := NewPDRWriter(sink, logging.NewWithWriter(&buf, "INFO"))

	e, err := w.Record(context.Background(), ActionRouteOverride, "ops", "slot:3", map[string]int{"slot": 3}, "rebound", "rotate")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(sink.entries) != 1 || sink.entries[0].ID != e.ID {
		t.Fatalf("entry not appended: %+v", sink.entries)
	}
	if !strings.Contains(buf.String(), `"msg":"route.override"`) {
		t.Errorf("entry not mirrored to log: %s", buf.String())
	}
}

func TestPDRWriter_RecordError(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	w := NewPDRWriter(sink, nil)

	if _, err := w.Record(context.Background(), ActionRunFallback, "run-1", "script_x", nil, "queued", ""); err == nil {
		t.Error("expected sink error to propagate")
	}
}
