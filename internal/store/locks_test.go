package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
)

func exclusive(scope, holder string, ttl time.Duration) LockRequest {
	return LockRequest{Scope: scope, Holder: holder, Mode: models.LockExclusive, TTL: ttl}
}

func TestAcquireLock_Conflict(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, exclusive("CH01/035", "agent-a", time.Minute), t0)
	if err != nil {
		t.Fatalf("First lock acquisition failed: %v", err)
	}
	if res.Lock.ID == "" || res.Renewed {
		t.Errorf("unexpected result: %+v", res)
	}

	for _, scope := range []string{"CH01/035", "CH01/035/content", "CH01", ""} {
		_, err = s.AcquireLock(ctx, exclusive(scope, "agent-b", time.Minute), t0)
		if !errors.Is(err, errors.ErrBusy) {
			t.Errorf("scope %q: expected ErrBusy, got %v", scope, err)
		}
	}
	shared := LockRequest{Scope: "CH01/035", Holder: "agent-b", Mode: models.LockShared, TTL: time.Minute}
	if _, err := s.AcquireLock(ctx, shared, t0); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("shared vs exclusive: expected ErrBusy, got %v", err)
	}

	if _, err := s.AcquireLock(ctx, exclusive("CH01/0350", "agent-b", time.Minute), t0); err != nil {
		t.Errorf("sibling scope should be free: %v", err)
	}
}

func TestAcquireLock_SharedCoexist(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, holder := range []string{"reader-1", "reader-2", "reader-3"} {
		req := LockRequest{Scope: "CH01", Holder: holder, Mode: models.LockShared}
		if _, err := s.AcquireLock(ctx, req, t0); err != nil {
			t.Fatalf("shared acquire by %s failed: %v", holder, err)
		}
	}
	if _, err := s.AcquireLock(ctx, exclusive("CH01/035", "writer", time.Minute), t0); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("exclusive under shared parent: expected ErrBusy, got %v", err)
	}

	locks, err := s.ListLocks(ctx, t0)
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 3 {
		t.Errorf("expected 3 shared records, got %d", len(locks))
	}
	for _, l := range locks {
		if l.ExpiresAt != nil {
			t.Errorf("ttl 0 should never expire, got %v", l.ExpiresAt)
		}
	}
}

func TestAcquireLock_Reentrant(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	first, err := s.AcquireLock(ctx, exclusive("a/b", "agent-a", time.Minute), t0)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	again, err := s.AcquireLock(ctx, exclusive("a/b", "agent-a", time.Minute), t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("re-entrant AcquireLock failed: %v", err)
	}
	if !again.Renewed || again.Lock.ID != first.Lock.ID {
		t.Errorf("expected renewal of %s, got %+v", first.Lock.ID, again)
	}
	if want := t0.Add(90 * time.Second); !again.Lock.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", again.Lock.ExpiresAt, want)
	}

	entries, err := s.ListAudit(ctx, AuditQuery{ActionPrefix: audit.ActionLockAcquire, Subject: "a/b"})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected an acquire entry per call, got %d", len(entries))
	}
	outcomes := map[string]bool{}
	for _, e := range entries {
		outcomes[e.Outcome] = true
	}
	if !outcomes["granted"] || !outcomes["renewed"] {
		t.Errorf("unexpected outcomes: %v", outcomes)
	}

	// Own records never block each other across scopes.
	if _, err := s.AcquireLock(ctx, exclusive("a/b/c", "agent-a", time.Minute), t0); err != nil {
		t.Errorf("nested scope by same holder failed: %v", err)
	}

	shared := LockRequest{Scope: "a/b", Holder: "agent-a", Mode: models.LockShared}
	if _, err := s.AcquireLock(ctx, shared, t0); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("mode change: expected ErrBusy, got %v", err)
	}
}

func TestAcquireLock_ReclaimsExpired(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AcquireLock(ctx, exclusive("CH01/035", "agent-a", 60*time.Second), t0); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	res, err := s.AcquireLock(ctx, exclusive("CH01/035", "agent-b", 60*time.Second), t0.Add(61*time.Second))
	if err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}
	if res.Lock.Holder != "agent-b" {
		t.Errorf("expected agent-b, got %s", res.Lock.Holder)
	}
	if len(res.Reclaimed) != 1 || res.Reclaimed[0].Holder != "agent-a" {
		t.Errorf("expected agent-a reclaimed, got %+v", res.Reclaimed)
	}

	entries, err := s.ListAudit(ctx, AuditQuery{ActionPrefix: audit.ActionLockReclaim})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "CH01/035" {
		t.Errorf("expected one reclaim entry for CH01/035, got %+v", entries)
	}
}

func TestRenewLock(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, exclusive("x", "agent-a", time.Minute), t0)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	renewed, err := s.RenewLock(ctx, res.Lock.ID, "agent-a", 2*time.Minute, t0.Add(59*time.Second))
	if err != nil {
		t.Fatalf("RenewLock failed: %v", err)
	}
	if want := t0.Add(59*time.Second + 2*time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", renewed.ExpiresAt, want)
	}

	if _, err := s.RenewLock(ctx, res.Lock.ID, "agent-b", time.Minute, t0); !errors.Is(err, errors.ErrNotHeld) {
		t.Errorf("renew by other holder: expected ErrNotHeld, got %v", err)
	}
	if _, err := s.RenewLock(ctx, res.Lock.ID, "agent-a", time.Minute, t0.Add(time.Hour)); !errors.Is(err, errors.ErrNotHeld) {
		t.Errorf("renew after expiry: expected ErrNotHeld, got %v", err)
	}
}

func TestReleaseLock_Idempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, exclusive("x", "agent-a", time.Minute), t0)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	released, err := s.ReleaseLock(ctx, res.Lock.ID, "agent-a", t0)
	if err != nil || !released {
		t.Fatalf("ReleaseLock = %v, %v", released, err)
	}
	released, err = s.ReleaseLock(ctx, res.Lock.ID, "agent-a", t0)
	if err != nil || released {
		t.Errorf("second ReleaseLock = %v, %v; want false, nil", released, err)
	}

	if _, err := s.AcquireLock(ctx, exclusive("x", "agent-b", time.Minute), t0); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestAcquireLock_ConcurrentHandles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	var handles []*Store
	for i := 0; i < 3; i++ {
		s, err := New(dbPath)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer s.Close()
		handles = append(handles, s)
	}

	const attempts = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
		busy    int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := fmt.Sprintf("agent-%d", i)
			_, err := handles[i%len(handles)].AcquireLock(context.Background(), exclusive("CH01/035", holder, time.Minute), t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted = append(granted, holder)
			case errors.Is(err, errors.ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(granted) != 1 {
		t.Errorf("expected exactly 1 grant, got %v", granted)
	}
	if busy != attempts-1 {
		t.Errorf("expected %d busy, got %d", attempts-1, busy)
	}
}

func TestAuditMirror_AfterCommit(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var mirrored []models.AuditEntry
	s.SetAuditMirror(func(e models.AuditEntry) { mirrored = append(mirrored, e) })

	res, err := s.AcquireLock(ctx, exclusive("CH01", "agent-a", time.Minute), t0)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0].Action != audit.ActionLockAcquire {
		t.Fatalf("acquire not mirrored: %+v", mirrored)
	}

	// A rejected acquire rolls back and mirrors nothing.
	if _, err := s.AcquireLock(ctx, exclusive("CH01/002", "agent-b", time.Minute), t0); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(mirrored) != 1 {
		t.Errorf("rolled back entry mirrored: %+v", mirrored)
	}

	if _, err := s.ReleaseLock(ctx, res.Lock.ID, "agent-a", t0); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if len(mirrored) != 2 || mirrored[1].Action != audit.ActionLockRelease {
		t.Errorf("release not mirrored: %+v", mirrored)
	}

	// Standalone entries are logged by their writer, not the mirror.
	if err := s.AppendAudit(ctx, audit.NewEntry("test.note", "ops", "x", nil, "ok", "", t0)); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if len(mirrored) != 2 {
		t.Errorf("standalone entry mirrored: %+v", mirrored)
	}
}
