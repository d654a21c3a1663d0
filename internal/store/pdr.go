package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/baton/internal/models"
)

// AuditQuery narrows an audit listing. Zero values match everything.
type AuditQuery struct {
	ActionPrefix string
	Subject      string
	Limit        int
}

// AppendAudit writes a standalone audit entry. The caller logs it, so it is
// not passed to the audit mirror.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	return s.writeTx(ctx, func(q querier) error {
		return insertAudit(ctx, q, e)
	})
}

// appendAuditTx writes e as part of the surrounding transaction and queues
// it for the audit mirror.
func appendAuditTx(ctx context.Context, q querier, e models.AuditEntry) error {
	if err := insertAudit(ctx, q, e); err != nil {
		return err
	}
	if tx, ok := q.(*auditTx); ok {
		tx.entries = append(tx.entries, e)
	}
	return nil
}

func insertAudit(ctx context.Context, q querier, e models.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO pdr (id, action, actor, subject, inputs_hash, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Action, e.Actor, e.Subject, e.InputsHash, e.Outcome, nullString(e.Details), toNanos(e.Timestamp))
	if err != nil {
		return fmt.Errorf("write pdr: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, aq AuditQuery) ([]models.AuditEntry, error) {
	query := `SELECT id, action, actor, subject, inputs_hash, outcome, details, timestamp FROM pdr WHERE 1 = 1`
	var args []any
	if aq.ActionPrefix != "" {
		query += ` AND substr(action, 1, length(?)) = ?`
		args = append(args, aq.ActionPrefix, aq.ActionPrefix)
	}
	if aq.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, aq.Subject)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC`
	if aq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, aq.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("query pdr: %w", err))
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Subject, &e.InputsHash, &e.Outcome, &details, &ts); err != nil {
			return nil, err
		}
		e.Details = details.String
		e.Timestamp = fromNanos(ts)
		entries = append(entries, e)
	}
	return entries, mapErr(rows.Err())
}

// RecordAttempt stores one backend call made by run_llm.
func (s *Store) RecordAttempt(ctx context.Context, a models.Attempt) error {
	return s.writeTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO attempts (id, class, slot_id, credential, outcome, detail, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.Class, a.SlotID, a.Credential, string(a.Outcome), nullString(a.Detail), toNanos(a.StartedAt), toNanos(a.EndedAt))
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

// ListAttempts returns the most recent attempts, newest first.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]models.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class, slot_id, credential, outcome, detail, started_at, ended_at
		FROM attempts ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("query attempts: %w", err))
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var outcome string
		var detail sql.NullString
		var started, ended int64
		if err := rows.Scan(&a.ID, &a.Class, &a.SlotID, &a.Credential, &outcome, &detail, &started, &ended); err != nil {
			return nil, err
		}
		a.Outcome = models.ProbeOutcome(outcome)
		a.Detail = detail.String
		a.StartedAt = fromNanos(started)
		a.EndedAt = fromNanos(ended)
		attempts = append(attempts, a)
	}
	return attempts, mapErr(rows.Err())
}
