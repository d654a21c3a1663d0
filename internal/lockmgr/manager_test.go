package lockmgr

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(st, nil, WithClock(clock.Now)), clock
}

func TestScenario_StaleLockReclaimed(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "CH01/035", "agent-a", models.LockExclusive, 60*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h.Scope != "CH01/035" {
		t.Errorf("scope = %q", h.Scope)
	}

	if _, err := m.Acquire(ctx, "CH01/035/content", "agent-b", models.LockExclusive, time.Minute); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	clock.Advance(61 * time.Second)
	reclaimed, err := m.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Holder != "agent-a" {
		t.Errorf("unexpected reclaim: %+v", reclaimed)
	}

	if _, err := m.Acquire(ctx, "CH01/035/content", "agent-b", models.LockExclusive, time.Minute); err != nil {
		t.Errorf("acquire after reclaim failed: %v", err)
	}

	// The original holder's handle is gone.
	if _, err := m.Renew(ctx, h, time.Minute); !errors.Is(err, errors.ErrNotHeld) {
		t.Errorf("renew of reclaimed lock: expected ErrNotHeld, got %v", err)
	}
}

func TestAcquire_NormalizesScope(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "/CH01//035/", "agent-a", models.LockExclusive, time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "CH01/035", "agent-b", models.LockShared, time.Minute); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("expected ErrBusy on normalized equal scope, got %v", err)
	}
}

func TestAcquire_RejectsBadArguments(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "a", "", models.LockExclusive, 0); err == nil {
		t.Error("expected error for empty holder")
	}
	if _, err := m.Acquire(ctx, "a", "x", models.LockMode("weird"), 0); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := m.Acquire(ctx, "a", "x", models.LockShared, -time.Second); err == nil {
		t.Error("expected error for negative ttl")
	}
}

func TestRelease_Twice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "a/b", "agent-a", models.LockExclusive, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Errorf("first Release failed: %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestHolders(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, tc := range []struct {
		scope, holder string
		mode          models.LockMode
	}{
		{"CH01", "reader-1", models.LockShared},
		{"CH01", "reader-2", models.LockShared},
		{"CH02/001", "writer", models.LockExclusive},
	} {
		if _, err := m.Acquire(ctx, tc.scope, tc.holder, tc.mode, 0); err != nil {
			t.Fatalf("Acquire %s by %s failed: %v", tc.scope, tc.holder, err)
		}
	}

	holders, err := m.Holders(ctx, "CH01/035/content")
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}
	if len(holders) != 2 {
		t.Errorf("expected 2 ancestor holders, got %+v", holders)
	}

	holders, err = m.Holders(ctx, "CH02")
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}
	if len(holders) != 1 || holders[0].Holder != "writer" {
		t.Errorf("expected descendant writer, got %+v", holders)
	}
}

func TestWait_GivesUpOnContext(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Acquire(context.Background(), "x", "agent-a", models.LockExclusive, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := m.Wait(ctx, "x", "agent-b", models.LockExclusive, time.Minute, 20*time.Millisecond)
	if !errors.Is(err, errors.ErrBusy) {
		t.Errorf("expected ErrBusy after giving up, got %v", err)
	}
}

func TestAcquire_OverlappingConcurrent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	scopes := []string{"a/b", "a/b/c", "a", "a/b/c/d"}

	var managers []*Manager
	for range scopes {
		st, err := store.New(dbPath)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer st.Close()
		managers = append(managers, New(st, nil))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i, scope := range scopes {
		wg.Add(1)
		go func(i int, scope string) {
			defer wg.Done()
			_, err := managers[i].Acquire(context.Background(), scope, fmt.Sprintf("agent-%d", i), models.LockExclusive, time.Minute)
			if err != nil && !errors.Is(err, errors.ErrBusy) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i, scope)
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("overlapping exclusive scopes: expected exactly 1 grant, got %d", granted)
	}
}
