// Package audit builds and records Process Decision Records, the append-only
// trail of every lock, task and routing mutation Baton performs.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/google/uuid"
)

// Actions recorded in the trail.
const (
	ActionLockAcquire = "lock.acquire"
	ActionLockRelease = "lock.release"
	ActionLockReclaim = "lock.reclaim"

	ActionTaskEnqueue  = "task.enqueue"
	ActionTaskBundle   = "task.bundle"
	ActionTaskComplete = "task.complete"
	ActionTaskFail     = "task.fail"
	ActionTaskExpire   = "task.expire"
	ActionTaskRequeue  = "task.requeue"

	ActionRouteDeclare    = "route.declare"
	ActionRouteProbe      = "route.probe"
	ActionRouteQuarantine = "route.quarantine"
	ActionRouteReactivate = "route.reactivate"
	ActionRouteOverride   = "route.override"
	ActionEmergencyPin    = "route.emergency_override"
	ActionEmergencyClear  = "route.emergency_clear"

	ActionRunFallback = "run.fallback"
)

// SystemActor is used for mutations nobody asked for explicitly, such as
// reclaiming stale locks or expiring overdue tasks.
const SystemActor = "baton"

// NewEntry builds an entry ready to append. inputs is hashed so the entry
// can later be matched against the request that produced it.
func NewEntry(action, actor, subject string, inputs any, outcome, details string, at time.Time) models.AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	return models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		Actor:      actor,
		Subject:    subject,
		InputsHash: HashInputs(inputs),
		Outcome:    outcome,
		Details:    details,
		Timestamp:  at.UTC(),
	}
}

// HashInputs creates a SHA256 hash of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Appender persists audit entries.
type Appender interface {
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// PDRWriter records decisions that are not already written inside a store
// transaction and logs them. Its Mirror method is also the store's audit
// mirror for entries written inside transactions.
type PDRWriter struct {
	sink Appender
	log  *logging.Logger
	now  func() time.Time
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Appender, log *logging.Logger) *PDRWriter {
	if log == nil {
		log = logging.NopLogger()
	}
	return &PDRWriter{sink: sink, log: log.WithComponent("audit"), now: time.Now}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action, actor, subject string, inputs any, outcome, details string) (*models.AuditEntry, error) {
	e := NewEntry(action, actor, subject, inputs, outcome, details, w.now())
	if err := w.sink.AppendAudit(ctx, e); err != nil {
		w.log.Error("audit append failed", "action", action, "subject", subject, "error", err)
		return nil, err
	}
	w.Mirror(e)
	return &e, nil
}

// Mirror logs an entry that has already been persisted elsewhere.
func (w *PDRWriter) Mirror(e models.AuditEntry) {
	w.log.Info(e.Action,
		"actor", e.Actor,
		"subject", e.Subject,
		"outcome", e.Outcome,
		"details", e.Details,
		"inputs_hash", e.InputsHash,
	)
}
