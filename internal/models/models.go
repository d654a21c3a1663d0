// Package models defines the core domain types for Baton.
package models

import "time"

// LockMode controls which other holders may share a scope.
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

// Valid reports whether m is a known lock mode.
func (m LockMode) Valid() bool {
	return m == LockExclusive || m == LockShared
}

// LockRecord is one holder's claim on a scope. Shared scopes have one
// record per holder.
type LockRecord struct {
	ID         string     `json:"id"`
	Scope      string     `json:"scope"`
	Holder     string     `json:"holder"`
	Mode       LockMode   `json:"mode"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"` // nil = never expires
}

// Expired reports whether the record's TTL has elapsed at now.
func (l *LockRecord) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// LockHandle is what a successful acquire hands back to the holder.
type LockHandle struct {
	ID     string   `json:"id"`
	Scope  string   `json:"scope"`
	Holder string   `json:"holder"`
	Mode   LockMode `json:"mode"`
}

// Handle returns the holder-facing handle for the record.
func (l *LockRecord) Handle() LockHandle {
	return LockHandle{ID: l.ID, Scope: l.Scope, Holder: l.Holder, Mode: l.Mode}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusBundled   TaskStatus = "bundled"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// IsTerminal returns true if no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusExpired
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBundled, TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired:
		return true
	}
	return false
}

// FormatKind is the shape a task result must take.
type FormatKind string

const (
	FormatText FormatKind = "text"
	FormatJSON FormatKind = "json"
	FormatYAML FormatKind = "yaml"
)

// Structured reports whether results of this kind must parse as a document.
func (k FormatKind) Structured() bool {
	return k == FormatJSON || k == FormatYAML
}

// ResponseFormat tells the completer what the result must look like.
// Fields, when set, maps required top-level keys to a type name
// (string, number, boolean, object, array, any).
type ResponseFormat struct {
	Kind   FormatKind        `json:"kind" yaml:"kind"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Block is one instruction or context section of a payload.
type Block struct {
	Role    string `json:"role,omitempty"` // e.g. "instruction", "context"
	Content string `json:"content"`
}

// Payload is the prompt a completer must act on.
type Payload struct {
	Blocks         []Block        `json:"blocks"`
	ResponseFormat ResponseFormat `json:"response_format"`
}

// Task is a unit of LLM-completion work handed between a pipeline run and a completer.
type Task struct {
	ID          string     `json:"id"`
	Class       string     `json:"class"`
	Status      TaskStatus `json:"status"`
	Payload     Payload    `json:"payload"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	OwnerRunID  string     `json:"owner_run_id,omitempty"`
	Supersedes  string     `json:"supersedes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	BundledAt   *time.Time `json:"bundled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskFilter narrows a task listing. Zero values match everything.
type TaskFilter struct {
	ClassPrefix string
	Status      TaskStatus
}

// QueueStats is a snapshot of task counts per status.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Bundled   int `json:"bundled"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// RouteHealth is the routing state of a slot.
type RouteHealth string

const (
	RouteActive      RouteHealth = "active"
	RouteQuarantined RouteHealth = "quarantined"
)

// ProbeOutcome classifies the result of the last health probe.
type ProbeOutcome string

const (
	ProbeNone      ProbeOutcome = ""
	ProbeHealthy   ProbeOutcome = "healthy"
	ProbeTransient ProbeOutcome = "transient"
	ProbePermanent ProbeOutcome = "permanent"
)

// CredentialRoute binds an abstract slot to a concrete credential/model.
type CredentialRoute struct {
	SlotID           int          `json:"slot_id"`
	Priority         int          `json:"priority"`
	Backend          string       `json:"backend"`
	BoundCredential  string       `json:"bound_credential"`
	Overridden       bool         `json:"overridden,omitempty"`
	ClassAllowlist   []string     `json:"class_allowlist,omitempty"`
	ClassBlocklist   []string     `json:"class_blocklist,omitempty"`
	Health           RouteHealth  `json:"health"`
	QuarantineReason string       `json:"quarantine_reason,omitempty"`
	QuarantinedAt    *time.Time   `json:"quarantined_at,omitempty"`
	LastProbe        ProbeOutcome `json:"last_probe,omitempty"`
	LastProbeDetail  string       `json:"last_probe_detail,omitempty"`
	LastCheckedAt    *time.Time   `json:"last_checked_at,omitempty"`
}

// EmergencyPin forces a task class onto one slot, bypassing filters.
type EmergencyPin struct {
	Class     string    `json:"class"`
	SlotID    int       `json:"slot_id"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Attempt records one backend call made on behalf of run_llm.
type Attempt struct {
	ID         string       `json:"id"`
	Class      string       `json:"class"`
	SlotID     int          `json:"slot_id"`
	Credential string       `json:"credential"`
	Outcome    ProbeOutcome `json:"outcome"`
	Detail     string       `json:"detail,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
}

// AuditEntry is one append-only record in the audit trail.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Subject    string    `json:"subject"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
