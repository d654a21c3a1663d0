package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "baton.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if s.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", s.Path(), dbPath)
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "baton.db")
	s1, err := New(dbPath)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer s1.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("second New on same file failed: %v", err)
	}
	defer s2.Close()
}

func TestNew_CorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "baton.db")
	garbage := []byte(strings.Repeat("this is not a sqlite database file ", 200))
	if err := os.WriteFile(dbPath, garbage, 0644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	s, err := New(dbPath)
	if err == nil {
		s.Close()
		t.Fatal("expected error opening garbage file")
	}
	if !errors.Is(err, errors.ErrStoreCorrupt) {
		t.Errorf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestAudit_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	e := audit.NewEntry("test.action", "tester", "subject-1", map[string]string{"k": "v"}, "ok", "details", t0)
	if err := s.AppendAudit(ctx, e); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE pdr SET outcome = 'tampered'`); err == nil {
		t.Error("UPDATE on pdr should be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM pdr`); err == nil {
		t.Error("DELETE on pdr should be rejected")
	}

	entries, err := s.ListAudit(ctx, AuditQuery{ActionPrefix: "test."})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.Outcome != "ok" || got.Actor != "tester" || got.Subject != "subject-1" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.InputsHash != audit.HashInputs(map[string]string{"k": "v"}) {
		t.Errorf("inputs hash mismatch: %s", got.InputsHash)
	}
	if !got.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, t0)
	}
}

func TestRetryOnBusy_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("boom")
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return want
	})
	if err != want {
		t.Errorf("expected passthrough error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnBusy_RetriesLocked(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
