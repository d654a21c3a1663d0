// Package controlplane provides the Coordinator facade used by pipeline
// stages and operators, and the HTTP API that exposes it.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/lockmgr"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
	"github.com/fentz26/baton/internal/taskqueue"
	"github.com/google/uuid"
)

// Policy holds the tunables the facade applies on top of its components.
type Policy struct {
	// DefaultLockTTL is used when a lock request carries no TTL.
	DefaultLockTTL time.Duration
	// MaxTaskAge is the expiry age used when none is given.
	MaxTaskAge time.Duration
	// AgentClasses lists class patterns for which automated completion is
	// disabled; run_llm always hands these to the task queue.
	AgentClasses []string
	// MaxAttempts bounds how many routes one run_llm call tries.
	MaxAttempts int
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultLockTTL: 10 * time.Minute,
		MaxTaskAge:     24 * time.Hour,
		MaxAttempts:    3,
	}
}

// Service is the Coordinator facade. It holds no coordination state of
// its own; everything shared lives in the store.
type Service struct {
	store  *store.Store
	locks  *lockmgr.Manager
	queue  *taskqueue.Queue
	router *routing.Router
	pdr    *audit.PDRWriter
	log    *logging.Logger
	now    func() time.Time

	mu     sync.RWMutex
	policy Policy
}

// NewService creates the facade over already-built components.
func NewService(st *store.Store, locks *lockmgr.Manager, queue *taskqueue.Queue, router *routing.Router, log *logging.Logger, policy Policy) *Service {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Service{
		store:  st,
		locks:  locks,
		queue:  queue,
		router: router,
		pdr:    audit.NewPDRWriter(st, log),
		log:    log.WithComponent("coordinator"),
		now:    time.Now,
		policy: normalizePolicy(policy),
	}
}

func normalizePolicy(p Policy) Policy {
	d := DefaultPolicy()
	if p.DefaultLockTTL <= 0 {
		p.DefaultLockTTL = d.DefaultLockTTL
	}
	if p.MaxTaskAge <= 0 {
		p.MaxTaskAge = d.MaxTaskAge
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// SetPolicy replaces the policy, used on configuration reload.
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = normalizePolicy(p)
	s.mu.Unlock()
}

// Policy returns the policy in effect.
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy
	p.AgentClasses = append([]string(nil), p.AgentClasses...)
	return p
}

// Router exposes the credential router for maintenance and reload.
func (s *Service) Router() *routing.Router { return s.router }

// Health checks that the store answers.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Locks ---

// RequestLock acquires scope for holder. A zero ttl uses the policy default;
// a negative ttl requests a lock that never expires.
func (s *Service) RequestLock(ctx context.Context, scope, holder string, mode models.LockMode, ttl time.Duration) (models.LockHandle, error) {
	mode, ttl = s.lockDefaults(mode, ttl)
	return s.locks.Acquire(ctx, scope, holder, mode, ttl)
}

// WaitLock is RequestLock retried every poll (jittered) while the scope is
// busy, until ctx is done.
func (s *Service) WaitLock(ctx context.Context, scope, holder string, mode models.LockMode, ttl, poll time.Duration) (models.LockHandle, error) {
	mode, ttl = s.lockDefaults(mode, ttl)
	return s.locks.Wait(ctx, scope, holder, mode, ttl, poll)
}

func (s *Service) lockDefaults(mode models.LockMode, ttl time.Duration) (models.LockMode, time.Duration) {
	switch {
	case ttl == 0:
		ttl = s.Policy().DefaultLockTTL
	case ttl < 0:
		ttl = 0
	}
	if mode == "" {
		mode = models.LockExclusive
	}
	return mode, ttl
}

// RenewLock extends a held lock. A zero ttl uses the policy default and a
// negative one removes the expiry.
func (s *Service) RenewLock(ctx context.Context, h models.LockHandle, ttl time.Duration) (*models.LockRecord, error) {
	_, ttl = s.lockDefaults(h.Mode, ttl)
	return s.locks.Renew(ctx, h, ttl)
}

// ReleaseLock drops a lock. Releasing an absent lock is not an error.
func (s *Service) ReleaseLock(ctx context.Context, h models.LockHandle) error {
	return s.locks.Release(ctx, h)
}

// Holders lists live locks overlapping scope.
func (s *Service) Holders(ctx context.Context, scope string) ([]models.LockRecord, error) {
	return s.locks.Holders(ctx, scope)
}

// ReclaimStaleLocks deletes expired lock records.
func (s *Service) ReclaimStaleLocks(ctx context.Context) ([]models.LockRecord, error) {
	return s.locks.ReclaimStale(ctx)
}

// --- Tasks ---

// Enqueue creates a pending task.
func (s *Service) Enqueue(ctx context.Context, class string, payload models.Payload, ownerRunID string) (*models.Task, error) {
	return s.queue.Enqueue(ctx, class, payload, ownerRunID)
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.queue.Get(ctx, id)
}

// ListTasks returns every task matching filter, oldest first.
func (s *Service) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	return taskqueue.Collect(s.queue.List(ctx, filter))
}

// ListPending returns pending tasks whose class starts with classPrefix.
func (s *Service) ListPending(ctx context.Context, classPrefix string) ([]models.Task, error) {
	return s.ListTasks(ctx, models.TaskFilter{ClassPrefix: classPrefix, Status: models.TaskStatusPending})
}

// Bundle hands a task's full context to a completer.
func (s *Service) Bundle(ctx context.Context, id, actor string) (*models.Task, error) {
	return s.queue.Bundle(ctx, id, actor)
}

// Submit completes a task with result. A malformed result fails the task.
func (s *Service) Submit(ctx context.Context, id, result, actor string) (*models.Task, error) {
	return s.queue.Complete(ctx, id, result, actor)
}

// ExpireOverdue expires abandoned tasks. A zero maxAge uses the policy.
func (s *Service) ExpireOverdue(ctx context.Context, maxAge time.Duration) ([]models.Task, error) {
	if maxAge == 0 {
		maxAge = s.Policy().MaxTaskAge
	}
	return s.queue.ExpireOverdue(ctx, maxAge)
}

// Requeue re-enqueues an expired or failed task.
func (s *Service) Requeue(ctx context.Context, id, actor string) (*models.Task, error) {
	return s.queue.Requeue(ctx, id, actor)
}

// QueueStats returns task counts per status.
func (s *Service) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// --- Routing ---

// Routes lists declared routes with their health.
func (s *Service) Routes(ctx context.Context) ([]models.CredentialRoute, error) {
	return s.router.Routes(ctx)
}

// Probe checks one slot.
func (s *Service) Probe(ctx context.Context, slot int) (routing.ProbeResult, error) {
	return s.router.Probe(ctx, slot)
}

// ProbeAll checks every slot, or only quarantined ones.
func (s *Service) ProbeAll(ctx context.Context, onlyQuarantined bool) ([]routing.ProbeResult, error) {
	return s.router.ProbeAll(ctx, onlyQuarantined)
}

// Quarantine removes a slot from selection.
func (s *Service) Quarantine(ctx context.Context, slot int, actor, reason string) (*models.CredentialRoute, error) {
	return s.router.Quarantine(ctx, slot, actor, reason)
}

// Reactivate returns a slot to selection.
func (s *Service) Reactivate(ctx context.Context, slot int, actor, reason string) (*models.CredentialRoute, error) {
	return s.router.Reactivate(ctx, slot, actor, reason)
}

// Override rebinds a slot's credential.
func (s *Service) Override(ctx context.Context, slot int, credential, actor, reason string) (*models.CredentialRoute, error) {
	return s.router.Override(ctx, slot, credential, actor, reason)
}

// EmergencyOverride pins class onto slot.
func (s *Service) EmergencyOverride(ctx context.Context, class string, slot int, actor, reason string) error {
	return s.router.EmergencyOverride(ctx, class, slot, actor, reason)
}

// ClearEmergency removes the pin for class.
func (s *Service) ClearEmergency(ctx context.Context, class, actor, reason string) (bool, error) {
	return s.router.ClearEmergency(ctx, class, actor, reason)
}

// Pins lists emergency pins.
func (s *Service) Pins(ctx context.Context) ([]models.EmergencyPin, error) {
	return s.router.Pins(ctx)
}

// Attempts lists recent run_llm backend calls.
func (s *Service) Attempts(ctx context.Context, limit int) ([]models.Attempt, error) {
	return s.store.ListAttempts(ctx, limit)
}

// Audit lists audit entries, newest first.
func (s *Service) Audit(ctx context.Context, q store.AuditQuery) ([]models.AuditEntry, error) {
	return s.store.ListAudit(ctx, q)
}

// --- run_llm ---

// LLMRequest is one completion request from a pipeline stage.
type LLMRequest struct {
	Class      string                `json:"class"`
	Prompt     string                `json:"prompt"`
	Format     models.ResponseFormat `json:"response_format"`
	Slot       *int                  `json:"slot,omitempty"`
	OwnerRunID string                `json:"owner_run_id,omitempty"`
}

// LLMResult is a completion produced directly by a backend.
type LLMResult struct {
	Output     string `json:"output"`
	SlotID     int    `json:"slot_id"`
	Credential string `json:"credential"`
	Attempts   int    `json:"attempts"`
}

// NeedsTaskError is returned by RunLLM when the work was handed to the
// task queue. It matches errors.ErrNeedsTask and the routing error that
// caused the fallback, if any.
type NeedsTaskError struct {
	Task  *models.Task
	Cause error
}

func (e *NeedsTaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: task %s: %v", errors.ErrNeedsTask, e.Task.ID, e.Cause)
	}
	return fmt.Sprintf("%v: task %s", errors.ErrNeedsTask, e.Task.ID)
}

func (e *NeedsTaskError) Unwrap() []error {
	if e.Cause != nil {
		return []error{errors.ErrNeedsTask, e.Cause}
	}
	return []error{errors.ErrNeedsTask}
}

// RunLLM completes req directly through a healthy route, or enqueues a task
// and returns a *NeedsTaskError when the class is in agent mode or no route
// can serve it. Every backend call is recorded as an attempt. Permanent
// failures quarantine the slot and move on to the next route; a transient
// failure is returned to the caller without rotating credentials.
func (s *Service) RunLLM(ctx context.Context, req LLMRequest) (*LLMResult, error) {
	if strings.TrimSpace(req.Class) == "" {
		return nil, fmt.Errorf("%w: class is required", errors.ErrInvalidPayload)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", errors.ErrInvalidPayload)
	}
	if req.Format.Kind == "" {
		req.Format.Kind = models.FormatText
	}
	policy := s.Policy()

	if s.agentMode(policy, req.Class) {
		return nil, s.fallback(ctx, req, "agent mode", nil)
	}

	var candidates []models.CredentialRoute
	if req.Slot != nil {
		route, err := s.router.Resolve(ctx, req.Class, req.Slot)
		if err != nil {
			return nil, s.fallbackOn(ctx, req, err)
		}
		candidates = []models.CredentialRoute{*route}
	} else {
		routes, err := s.router.Candidates(ctx, req.Class)
		if err != nil {
			return nil, s.fallbackOn(ctx, req, err)
		}
		candidates = routes
	}

	tried := 0
	var failures []error
	for i := range candidates {
		if tried == policy.MaxAttempts {
			break
		}
		route := &candidates[i]
		tried++

		started := s.now()
		resp, outcome, detail, err := s.router.Execute(ctx, route, req.Class, req.Prompt)
		if err != nil {
			return nil, err
		}
		attempt := models.Attempt{
			ID:         uuid.NewString(),
			Class:      req.Class,
			SlotID:     route.SlotID,
			Credential: route.BoundCredential,
			Outcome:    outcome,
			Detail:     detail,
			StartedAt:  started.UTC(),
			EndedAt:    s.now().UTC(),
		}
		if err := s.store.RecordAttempt(ctx, attempt); err != nil {
			return nil, err
		}

		switch outcome {
		case models.ProbeHealthy:
			s.log.Info("run_llm completed", "class", req.Class, "slot", route.SlotID, "credential", route.BoundCredential, "attempts", tried)
			return &LLMResult{Output: resp.Output, SlotID: route.SlotID, Credential: route.BoundCredential, Attempts: tried}, nil
		case models.ProbePermanent:
			if _, err := s.router.Quarantine(ctx, route.SlotID, audit.SystemActor, detail); err != nil {
				return nil, err
			}
			s.log.Warn("run_llm permanent failure, trying next route", "class", req.Class, "slot", route.SlotID, "detail", detail)
			failures = append(failures, fmt.Errorf("%w: slot %d: %s", errors.ErrPermanent, route.SlotID, detail))
		default:
			return nil, fmt.Errorf("%w: slot %d: %s", errors.ErrTransient, route.SlotID, detail)
		}
	}

	cause := fmt.Errorf("%w: class %q after %d attempts", errors.ErrNoRouteAvailable, req.Class, tried)
	return nil, s.fallback(ctx, req, "routes exhausted", errors.Join(append([]error{cause}, failures...)...))
}

func (s *Service) agentMode(p Policy, class string) bool {
	for _, pattern := range p.AgentClasses {
		if routing.MatchClass(pattern, class) {
			return true
		}
	}
	return false
}

// fallbackOn enqueues a task when err is a routing exhaustion error and
// returns err unchanged otherwise.
func (s *Service) fallbackOn(ctx context.Context, req LLMRequest, err error) error {
	if !errors.IsFallback(err) {
		return err
	}
	return s.fallback(ctx, req, "no route", err)
}

func (s *Service) fallback(ctx context.Context, req LLMRequest, why string, cause error) error {
	payload := models.Payload{
		Blocks:         []models.Block{{Role: "instruction", Content: req.Prompt}},
		ResponseFormat: req.Format,
	}
	task, err := s.queue.Enqueue(ctx, req.Class, payload, req.OwnerRunID)
	if err != nil {
		return err
	}
	details := why
	if cause != nil {
		details = why + ": " + cause.Error()
	}
	if _, err := s.pdr.Record(ctx, audit.ActionRunFallback, req.OwnerRunID, task.ID, req, "enqueued", details); err != nil {
		return err
	}
	return &NeedsTaskError{Task: task, Cause: cause}
}
