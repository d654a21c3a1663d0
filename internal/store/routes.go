package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
)

const routeColumns = `slot_id, priority, backend, bound_credential, overridden, class_allowlist, class_blocklist,
	health, quarantine_reason, quarantined_at, last_probe, last_probe_detail, last_checked_at`

// RouteDecl is a route as written in configuration.
type RouteDecl struct {
	SlotID     int
	Priority   int
	Backend    string
	Credential string
	Allow      []string
	Block      []string
}

// DeclareRoute inserts the route if absent. An existing route keeps its
// health; its binding follows the declaration unless an operator override
// is in force. It reports whether the row was newly created.
func (s *Store) DeclareRoute(ctx context.Context, d RouteDecl) (bool, error) {
	allow, err := json.Marshal(nonNil(d.Allow))
	if err != nil {
		return false, err
	}
	block, err := json.Marshal(nonNil(d.Block))
	if err != nil {
		return false, err
	}
	var created bool
	err = s.writeTx(ctx, func(q querier) error {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes WHERE slot_id = ?`, d.SlotID).Scan(&exists); err != nil {
			return err
		}
		created = exists == 0
		_, err := q.ExecContext(ctx, `
			INSERT INTO routes (slot_id, priority, backend, bound_credential, class_allowlist, class_blocklist, health)
			VALUES (?, ?, ?, ?, ?, ?, 'active')
			ON CONFLICT(slot_id) DO UPDATE SET
				priority = excluded.priority,
				backend = excluded.backend,
				class_allowlist = excluded.class_allowlist,
				class_blocklist = excluded.class_blocklist,
				bound_credential = CASE WHEN routes.overridden = 1 THEN routes.bound_credential ELSE excluded.bound_credential END
		`, d.SlotID, d.Priority, d.Backend, d.Credential, string(allow), string(block))
		if err != nil {
			return fmt.Errorf("declare route: %w", err)
		}
		return nil
	})
	return created, err
}

// GetRoute returns a single route.
func (s *Store) GetRoute(ctx context.Context, slot int) (*models.CredentialRoute, error) {
	r, err := getRouteTx(ctx, s.db, slot)
	return r, mapErr(err)
}

// ListRoutes returns every route ordered by priority then slot.
func (s *Store) ListRoutes(ctx context.Context) ([]models.CredentialRoute, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY priority, slot_id`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("query routes: %w", err))
	}
	defer rows.Close()

	var routes []models.CredentialRoute
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		routes = append(routes, *r)
	}
	return routes, mapErr(rows.Err())
}

// HealthChange is an audited transition of a route's health.
type HealthChange struct {
	SlotID int
	Health models.RouteHealth
	Actor  string
	Reason string
}

// SetRouteHealth quarantines or reactivates a route. The audit entry is
// written before the row changes.
func (s *Store) SetRouteHealth(ctx context.Context, c HealthChange, now time.Time) (*models.CredentialRoute, error) {
	var route *models.CredentialRoute
	err := s.writeTx(ctx, func(q querier) error {
		r, err := getRouteTx(ctx, q, c.SlotID)
		if err != nil {
			return err
		}
		action := audit.ActionRouteReactivate
		reason := sql.NullString{}
		at := sql.NullInt64{}
		if c.Health == models.RouteQuarantined {
			action = audit.ActionRouteQuarantine
			reason = nullString(c.Reason)
			at = sql.NullInt64{Int64: toNanos(now), Valid: true}
		}
		e := audit.NewEntry(action, c.Actor, slotSubject(c.SlotID), c, string(c.Health),
			fmt.Sprintf("was=%s reason=%s", r.Health, c.Reason), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE routes SET health = ?, quarantine_reason = ?, quarantined_at = ? WHERE slot_id = ?
		`, string(c.Health), reason, at, c.SlotID); err != nil {
			return fmt.Errorf("update route health: %w", err)
		}
		route, err = getRouteTx(ctx, q, c.SlotID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return route, nil
}

// RecordProbe stores the outcome of the last probe without touching health.
func (s *Store) RecordProbe(ctx context.Context, slot int, outcome models.ProbeOutcome, detail string, now time.Time) error {
	return s.writeTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE routes SET last_probe = ?, last_probe_detail = ?, last_checked_at = ? WHERE slot_id = ?
		`, string(outcome), nullString(detail), toNanos(now), slot)
		if err != nil {
			return fmt.Errorf("record probe: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: slot %d", errors.ErrRouteNotFound, slot)
		}
		return nil
	})
}

// OverrideRoute rebinds a slot to a different credential. The binding
// survives configuration reloads. An empty credential drops the override
// and leaves the current binding until the next declaration.
func (s *Store) OverrideRoute(ctx context.Context, slot int, credential, actor, reason string, now time.Time) (*models.CredentialRoute, error) {
	var route *models.CredentialRoute
	err := s.writeTx(ctx, func(q querier) error {
		r, err := getRouteTx(ctx, q, slot)
		if err != nil {
			return err
		}
		e := audit.NewEntry(audit.ActionRouteOverride, actor, slotSubject(slot),
			map[string]any{"slot": slot, "credential": credential}, "rebound",
			fmt.Sprintf("from=%s to=%s reason=%s", r.BoundCredential, credential, reason), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		overridden := 1
		if credential == "" {
			overridden = 0
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE routes SET bound_credential = CASE WHEN ? = '' THEN bound_credential ELSE ? END, overridden = ?
			WHERE slot_id = ?
		`, credential, credential, overridden, slot); err != nil {
			return fmt.Errorf("override route: %w", err)
		}
		route, err = getRouteTx(ctx, q, slot)
		return err
	})
	if err != nil {
		return nil, err
	}
	return route, nil
}

// SetEmergencyPin forces class onto slot until cleared.
func (s *Store) SetEmergencyPin(ctx context.Context, pin models.EmergencyPin) error {
	return s.writeTx(ctx, func(q querier) error {
		if _, err := getRouteTx(ctx, q, pin.SlotID); err != nil {
			return err
		}
		e := audit.NewEntry(audit.ActionEmergencyPin, pin.Actor, pin.Class, pin, "pinned",
			fmt.Sprintf("slot=%d reason=%s", pin.SlotID, pin.Reason), pin.CreatedAt)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO emergency_pins (class, slot_id, actor, reason, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(class) DO UPDATE SET
				slot_id = excluded.slot_id, actor = excluded.actor, reason = excluded.reason, created_at = excluded.created_at
		`, pin.Class, pin.SlotID, pin.Actor, pin.Reason, toNanos(pin.CreatedAt))
		if err != nil {
			return fmt.Errorf("set emergency pin: %w", err)
		}
		return nil
	})
}

// ClearEmergencyPin removes the pin for class. It reports whether one existed.
func (s *Store) ClearEmergencyPin(ctx context.Context, class, actor, reason string, now time.Time) (bool, error) {
	var cleared bool
	err := s.writeTx(ctx, func(q querier) error {
		var slot int
		err := q.QueryRowContext(ctx, `SELECT slot_id FROM emergency_pins WHERE class = ?`, class).Scan(&slot)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		e := audit.NewEntry(audit.ActionEmergencyClear, actor, class, map[string]string{"class": class}, "cleared",
			fmt.Sprintf("slot=%d reason=%s", slot, reason), now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM emergency_pins WHERE class = ?`, class); err != nil {
			return fmt.Errorf("clear emergency pin: %w", err)
		}
		cleared = true
		return nil
	})
	return cleared, err
}

// ListEmergencyPins returns every active pin.
func (s *Store) ListEmergencyPins(ctx context.Context) ([]models.EmergencyPin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT class, slot_id, actor, reason, created_at FROM emergency_pins ORDER BY class`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("query pins: %w", err))
	}
	defer rows.Close()

	var pins []models.EmergencyPin
	for rows.Next() {
		var p models.EmergencyPin
		var created int64
		if err := rows.Scan(&p.Class, &p.SlotID, &p.Actor, &p.Reason, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromNanos(created)
		pins = append(pins, p)
	}
	return pins, mapErr(rows.Err())
}

func getRouteTx(ctx context.Context, q querier, slot int) (*models.CredentialRoute, error) {
	r, err := scanRoute(q.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE slot_id = ?`, slot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: slot %d", errors.ErrRouteNotFound, slot)
	}
	return r, err
}

func scanRoute(row rowScanner) (*models.CredentialRoute, error) {
	var (
		r                   models.CredentialRoute
		overridden          int
		allow, block        string
		health              string
		reason, probe, pdet sql.NullString
		quarantined, check  sql.NullInt64
	)
	if err := row.Scan(&r.SlotID, &r.Priority, &r.Backend, &r.BoundCredential, &overridden, &allow, &block,
		&health, &reason, &quarantined, &probe, &pdet, &check); err != nil {
		return nil, err
	}
	key := slotSubject(r.SlotID)
	if err := json.Unmarshal([]byte(allow), &r.ClassAllowlist); err != nil {
		return nil, errors.Corrupt("routes", key, err)
	}
	if err := json.Unmarshal([]byte(block), &r.ClassBlocklist); err != nil {
		return nil, errors.Corrupt("routes", key, err)
	}
	r.Health = models.RouteHealth(health)
	if r.Health != models.RouteActive && r.Health != models.RouteQuarantined {
		return nil, errors.Corrupt("routes", key, fmt.Errorf("unknown health %q", health))
	}
	r.Overridden = overridden != 0
	r.QuarantineReason = reason.String
	r.QuarantinedAt = timePtr(quarantined)
	r.LastProbe = models.ProbeOutcome(probe.String)
	r.LastProbeDetail = pdet.String
	r.LastCheckedAt = timePtr(check)
	return &r, nil
}

func slotSubject(slot int) string {
	return fmt.Sprintf("slot:%d", slot)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
