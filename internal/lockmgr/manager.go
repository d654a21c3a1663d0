// Package lockmgr grants, renews and releases path-scoped locks shared by
// independent agent processes. All state lives in the store; the manager
// holds no in-memory lock table.
package lockmgr

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/store"
)

// Manager is the Lock Manager.
type Manager struct {
	store *store.Store
	log   *logging.Logger
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests that simulate TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over st.
func New(st *store.Store, log *logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	m := &Manager{store: st, log: log.WithComponent("lockmgr"), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants a lock on scope or fails immediately with ErrBusy. A ttl of
// zero creates a lock that never expires.
func (m *Manager) Acquire(ctx context.Context, scope, holder string, mode models.LockMode, ttl time.Duration) (models.LockHandle, error) {
	if holder == "" {
		return models.LockHandle{}, fmt.Errorf("acquire: holder is required")
	}
	if !mode.Valid() {
		return models.LockHandle{}, fmt.Errorf("acquire: unknown mode %q", mode)
	}
	if ttl < 0 {
		return models.LockHandle{}, fmt.Errorf("acquire: negative ttl %s", ttl)
	}
	scope = models.NormalizeScope(scope)

	res, err := m.store.AcquireLock(ctx, store.LockRequest{Scope: scope, Holder: holder, Mode: mode, TTL: ttl}, m.now())
	if err != nil {
		if errors.Is(err, errors.ErrBusy) {
			m.log.Debug("lock busy", "scope", scope, "holder", holder, "error", err)
		}
		return models.LockHandle{}, err
	}
	m.logReclaimed(res.Reclaimed)
	m.log.Info("lock granted", "scope", scope, "holder", holder, "mode", mode, "ttl", ttl, "renewed", res.Renewed)
	return res.Lock.Handle(), nil
}

// Wait retries Acquire with jittered backoff until it succeeds, fails with
// something other than ErrBusy, or ctx is done.
func (m *Manager) Wait(ctx context.Context, scope, holder string, mode models.LockMode, ttl, poll time.Duration) (models.LockHandle, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		h, err := m.Acquire(ctx, scope, holder, mode, ttl)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return models.LockHandle{}, fmt.Errorf("%w: gave up on %s: %v", errors.ErrBusy, scope, ctx.Err())
		}
		if !errors.Is(err, errors.ErrBusy) {
			return h, err
		}
		delay := poll/2 + time.Duration(rand.Int64N(int64(poll)))
		select {
		case <-ctx.Done():
			return models.LockHandle{}, fmt.Errorf("%w: gave up on %s: %v", errors.ErrBusy, scope, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Renew extends the lock behind h by ttl from now.
func (m *Manager) Renew(ctx context.Context, h models.LockHandle, ttl time.Duration) (*models.LockRecord, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("renew: negative ttl %s", ttl)
	}
	rec, err := m.store.RenewLock(ctx, h.ID, h.Holder, ttl, m.now())
	if err != nil {
		return nil, err
	}
	m.log.Debug("lock renewed", "scope", rec.Scope, "holder", rec.Holder, "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Release drops the lock behind h. Releasing twice is not an error.
func (m *Manager) Release(ctx context.Context, h models.LockHandle) error {
	released, err := m.store.ReleaseLock(ctx, h.ID, h.Holder, m.now())
	if err != nil {
		return err
	}
	if released {
		m.log.Info("lock released", "scope", h.Scope, "holder", h.Holder)
	} else {
		m.log.Debug("release of absent lock", "id", h.ID, "holder", h.Holder)
	}
	return nil
}

// ReclaimStale deletes every record whose TTL has elapsed.
func (m *Manager) ReclaimStale(ctx context.Context) ([]models.LockRecord, error) {
	reclaimed, err := m.store.ReclaimExpiredLocks(ctx, m.now())
	if err != nil {
		return nil, err
	}
	m.logReclaimed(reclaimed)
	return reclaimed, nil
}

// Holders returns the live records overlapping scope: the scope itself,
// its ancestors and its descendants.
func (m *Manager) Holders(ctx context.Context, scope string) ([]models.LockRecord, error) {
	scope = models.NormalizeScope(scope)
	all, err := m.store.ListLocks(ctx, m.now())
	if err != nil {
		return nil, err
	}
	var out []models.LockRecord
	for _, l := range all {
		if models.ScopesOverlap(l.Scope, scope) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Manager) logReclaimed(recs []models.LockRecord) {
	for _, l := range recs {
		m.log.Warn("reclaimed stale lock", "scope", l.Scope, "holder", l.Holder, "mode", l.Mode, "expires_at", l.ExpiresAt)
	}
}
