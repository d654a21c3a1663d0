// Package errors defines the failure taxonomy shared by the coordination
// layer and helpers for classifying errors by how callers should react.
//
// The sentinels fall into four groups:
//
//   - Lock contention (ErrBusy, ErrNotHeld): expected, retry with backoff
//     or queue a task instead.
//   - Task protocol violations (ErrInvalidState, ErrInvalidPayload,
//     ErrInvalidResult, ErrTaskNotFound): logged, never coerced.
//   - Routing exhaustion (ErrRouteUnavailable, ErrNoRouteAvailable,
//     ErrNeedsTask): fall back to enqueueing a task.
//   - Integrity failures (ErrStoreCorrupt): fatal, halt the caller.
//
// Errors are wrapped with context using fmt.Errorf("%w: ...") and checked
// with Is:
//
//	if errors.Is(err, errors.ErrBusy) { ... }
//	if errors.IsFallback(err) { enqueue(...) }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only need this package.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Lock contention.
var (
	// ErrBusy indicates an incompatible lock is held on an overlapping scope.
	ErrBusy = New("scope busy")
	// ErrNotHeld indicates the caller does not hold the lock it refers to.
	ErrNotHeld = New("lock not held")
)

// Task protocol.
var (
	ErrInvalidState   = New("invalid task state")
	ErrInvalidPayload = New("invalid task payload")
	// ErrInvalidResult indicates a submitted result violated the task's
	// response format. The task has been moved to failed.
	ErrInvalidResult = New("result does not match response format")
	ErrTaskNotFound  = New("task not found")
)

// Routing.
var (
	ErrRouteUnavailable = New("requested route unavailable")
	ErrNoRouteAvailable = New("no route available")
	ErrRouteNotFound    = New("route not found")
	// ErrNeedsTask is returned by run_llm when the work must be handed to a
	// completer through the task queue.
	ErrNeedsTask = New("completion requires a queued task")
	// ErrTransient marks backend failures that may succeed on retry.
	ErrTransient = New("transient backend failure")
	// ErrPermanent marks backend failures that quarantine a route.
	ErrPermanent = New("permanent backend failure")
	// ErrOverrideReasonRequired is returned when an audited override is
	// attempted without an actor or reason.
	ErrOverrideReasonRequired = New("override requires actor and reason")
)

// Integrity.
var (
	// ErrStoreCorrupt indicates an unreadable or partially written record.
	ErrStoreCorrupt = New("store corrupt")
)

// Corrupt wraps ErrStoreCorrupt with the offending record.
func Corrupt(table, key string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s %q", ErrStoreCorrupt, table, key)
	}
	return fmt.Errorf("%w: %s %q: %v", ErrStoreCorrupt, table, key, cause)
}

// IsRetryable reports whether the same call may succeed later without any
// change on the caller's side.
func IsRetryable(err error) bool {
	return Is(err, ErrBusy) || Is(err, ErrNotHeld) || Is(err, ErrTransient)
}

// IsFallback reports whether the caller should enqueue a task instead of
// failing the pipeline run.
func IsFallback(err error) bool {
	return Is(err, ErrRouteUnavailable) || Is(err, ErrNoRouteAvailable) || Is(err, ErrNeedsTask)
}

// IsFatal reports whether the caller must halt.
func IsFatal(err error) bool {
	return Is(err, ErrStoreCorrupt)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
