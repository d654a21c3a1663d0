package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"github.com/google/uuid"
)

// LockRequest describes an acquire. Scope must already be normalized.
type LockRequest struct {
	Scope  string
	Holder string
	Mode   models.LockMode
	TTL    time.Duration // zero means the record never expires
}

// AcquireResult reports what an acquire did.
type AcquireResult struct {
	Lock      models.LockRecord
	Renewed   bool                // the holder already held this scope in this mode
	Reclaimed []models.LockRecord // stale records removed on the way in
}

const lockColumns = `id, scope, holder, mode, acquired_at, expires_at`

// AcquireLock grants req atomically or fails with ErrBusy. Expired records
// are reclaimed first, each with an audit entry written before the delete.
func (s *Store) AcquireLock(ctx context.Context, req LockRequest, now time.Time) (*AcquireResult, error) {
	var res AcquireResult
	err := s.writeTx(ctx, func(q querier) error {
		res = AcquireResult{}
		reclaimed, err := reclaimExpiredTx(ctx, q, now)
		if err != nil {
			return err
		}
		res.Reclaimed = reclaimed

		live, err := listLocksTx(ctx, q, "")
		if err != nil {
			return err
		}

		var expires *time.Time
		if req.TTL > 0 {
			t := now.Add(req.TTL).UTC()
			expires = &t
		}

		for _, l := range live {
			if !models.ScopesOverlap(l.Scope, req.Scope) {
				continue
			}
			if l.Holder == req.Holder {
				if l.Scope != req.Scope {
					continue
				}
				if l.Mode != req.Mode {
					return fmt.Errorf("%w: %s already held %s by %s", errors.ErrBusy, l.Scope, l.Mode, l.Holder)
				}
				e := audit.NewEntry(audit.ActionLockAcquire, req.Holder, req.Scope, req, "renewed",
					fmt.Sprintf("mode=%s ttl=%s id=%s", req.Mode, req.TTL, l.ID), now)
				if err := appendAuditTx(ctx, q, e); err != nil {
					return err
				}
				if _, err := q.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE id = ?`, nullNanos(expires), l.ID); err != nil {
					return fmt.Errorf("renew lock: %w", err)
				}
				l.ExpiresAt = expires
				res.Lock = l
				res.Renewed = true
				return nil
			}
			if models.ModesConflict(l.Mode, req.Mode) {
				return fmt.Errorf("%w: %s held %s by %s", errors.ErrBusy, l.Scope, l.Mode, l.Holder)
			}
		}

		lock := models.LockRecord{
			ID:         uuid.New().String(),
			Scope:      req.Scope,
			Holder:     req.Holder,
			Mode:       req.Mode,
			AcquiredAt: now.UTC(),
			ExpiresAt:  expires,
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO locks (id, scope, holder, mode, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, lock.ID, lock.Scope, lock.Holder, string(lock.Mode), toNanos(lock.AcquiredAt), nullNanos(lock.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}

		e := audit.NewEntry(audit.ActionLockAcquire, req.Holder, req.Scope, req, "granted",
			fmt.Sprintf("mode=%s ttl=%s id=%s", req.Mode, req.TTL, lock.ID), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		res.Lock = lock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RenewLock extends a live record held by holder. An expired or missing
// record yields ErrNotHeld.
func (s *Store) RenewLock(ctx context.Context, id, holder string, ttl time.Duration, now time.Time) (*models.LockRecord, error) {
	var lock *models.LockRecord
	err := s.writeTx(ctx, func(q querier) error {
		var expires *time.Time
		if ttl > 0 {
			t := now.Add(ttl).UTC()
			expires = &t
		}
		res, err := q.ExecContext(ctx, `
			UPDATE locks SET expires_at = ?
			WHERE id = ? AND holder = ? AND (expires_at IS NULL OR expires_at > ?)
		`, nullNanos(expires), id, holder, toNanos(now))
		if err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", errors.ErrNotHeld, id)
		}
		lock, err = scanLock(q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock deletes the record if holder still owns it. Releasing an
// absent record is not an error; it reports false.
func (s *Store) ReleaseLock(ctx context.Context, id, holder string, now time.Time) (bool, error) {
	var released bool
	err := s.writeTx(ctx, func(q querier) error {
		lock, err := scanLock(q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ? AND holder = ?`, id, holder))
		if errors.Is(err, sql.ErrNoRows) {
			released = false
			return nil
		}
		if err != nil {
			return err
		}
		e := audit.NewEntry(audit.ActionLockRelease, holder, lock.Scope, map[string]string{"id": id}, "released",
			fmt.Sprintf("mode=%s", lock.Mode), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// ReclaimExpiredLocks removes every record whose TTL has elapsed at now.
func (s *Store) ReclaimExpiredLocks(ctx context.Context, now time.Time) ([]models.LockRecord, error) {
	var reclaimed []models.LockRecord
	err := s.writeTx(ctx, func(q querier) error {
		var err error
		reclaimed, err = reclaimExpiredTx(ctx, q, now)
		return err
	})
	return reclaimed, err
}

// ListLocks returns every record that is live at now, ordered by scope.
func (s *Store) ListLocks(ctx context.Context, now time.Time) ([]models.LockRecord, error) {
	all, err := listLocksTx(ctx, s.db, "")
	if err != nil {
		return nil, mapErr(err)
	}
	live := all[:0]
	for _, l := range all {
		if !l.Expired(now) {
			live = append(live, l)
		}
	}
	return live, nil
}

func reclaimExpiredTx(ctx context.Context, q querier, now time.Time) ([]models.LockRecord, error) {
	expired, err := listLocksTx(ctx, q, `WHERE expires_at IS NOT NULL AND expires_at <= ?`, toNanos(now))
	if err != nil {
		return nil, err
	}
	for _, l := range expired {
		e := audit.NewEntry(audit.ActionLockReclaim, audit.SystemActor, l.Scope, l, "reclaimed",
			fmt.Sprintf("holder=%s mode=%s expired_at=%s", l.Holder, l.Mode, l.ExpiresAt.Format(time.RFC3339Nano)), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return nil, err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, l.ID); err != nil {
			return nil, fmt.Errorf("delete expired lock: %w", err)
		}
	}
	return expired, nil
}

func listLocksTx(ctx context.Context, q querier, where string, args ...any) ([]models.LockRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+lockColumns+` FROM locks `+where+` ORDER BY scope, acquired_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.LockRecord
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*models.LockRecord, error) {
	var (
		l        models.LockRecord
		mode     string
		acquired int64
		expires  sql.NullInt64
	)
	if err := row.Scan(&l.ID, &l.Scope, &l.Holder, &mode, &acquired, &expires); err != nil {
		return nil, err
	}
	l.Mode = models.LockMode(mode)
	if !l.Mode.Valid() || l.Holder == "" {
		return nil, errors.Corrupt("locks", l.ID, fmt.Errorf("mode %q holder %q", mode, l.Holder))
	}
	l.AcquiredAt = fromNanos(acquired)
	l.ExpiresAt = timePtr(expires)
	return &l, nil
}
