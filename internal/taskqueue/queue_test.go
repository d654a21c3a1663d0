package taskqueue

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

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(st, nil, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func textPayload(instruction string) models.Payload {
	return models.Payload{
		Blocks:         []models.Block{{Role: "instruction", Content: instruction}},
		ResponseFormat: models.ResponseFormat{Kind: models.FormatText},
	}
}

func TestScenario_EnqueueBundleComplete(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "script_x", textPayload("do X"), "run-42")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	pending, err := Collect(q.List(ctx, models.TaskFilter{Status: models.TaskStatusPending}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("pending list = %+v", pending)
	}

	clock.Advance(time.Second)
	bundled, err := q.Bundle(ctx, task.ID, "completer-1")
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	if bundled.Status != models.TaskStatusBundled {
		t.Errorf("expected bundled, got %s", bundled.Status)
	}

	clock.Advance(time.Second)
	done, err := q.Complete(ctx, task.ID, "result text", "completer-1")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != models.TaskStatusCompleted || done.Result != "result text" {
		t.Errorf("unexpected completed task: %+v", done)
	}
	if done.CreatedAt.After(*done.BundledAt) || done.BundledAt.After(*done.CompletedAt) {
		t.Errorf("timestamps out of order: %v %v %v", done.CreatedAt, done.BundledAt, done.CompletedAt)
	}

	if _, err := q.Complete(ctx, task.ID, "other", "completer-2"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("second Complete: expected ErrInvalidState, got %v", err)
	}
}

func TestEnqueue_InvalidPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "script_x", models.Payload{}, "run"); !errors.Is(err, errors.ErrInvalidPayload) {
		t.Errorf("empty payload: expected ErrInvalidPayload, got %v", err)
	}
	if _, err := q.Enqueue(ctx, "", textPayload("x"), "run"); !errors.Is(err, errors.ErrInvalidPayload) {
		t.Errorf("empty class: expected ErrInvalidPayload, got %v", err)
	}
}

func TestComplete_MalformedResultFails(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := models.Payload{
		Blocks:         []models.Block{{Content: "outline the episode"}},
		ResponseFormat: models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{"scenes": "array"}},
	}
	task, err := q.Enqueue(ctx, "outline", payload, "run-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_, err = q.Complete(ctx, task.ID, "Sure! Here is the outline:\n{\"scenes\": []}", "completer")
	if !errors.Is(err, errors.ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("validation error should be recorded")
	}

	if _, err := q.Complete(ctx, task.ID, `{"scenes": []}`, "completer"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("completing a failed task: expected ErrInvalidState, got %v", err)
	}
}

func TestComplete_ConcurrentExactlyOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	const completers = 6

	var queues []*Queue
	for i := 0; i < completers; i++ {
		st, err := store.New(dbPath)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer st.Close()
		queues = append(queues, New(st, nil))
	}

	task, err := queues[0].Enqueue(context.Background(), "script_x", textPayload("do X"), "run-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		invalid   int
	)
	for i := 0; i < completers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := queues[i].Complete(context.Background(), task.ID, fmt.Sprintf("answer %d", i), fmt.Sprintf("completer-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errors.ErrInvalidState):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 || invalid != completers-1 {
		t.Errorf("succeeded=%d invalid=%d, want 1 and %d", succeeded, invalid, completers-1)
	}
}

func TestExpireOverdue_Boundary(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	old, err := q.Enqueue(ctx, "script_x", textPayload("old"), "run")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	clock.Advance(time.Hour)
	young, err := q.Enqueue(ctx, "script_x", textPayload("young"), "run")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// old is exactly max_age old: not strictly older, so it stays.
	expired, err := q.ExpireOverdue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("nothing should expire at the boundary, got %+v", expired)
	}

	clock.Advance(time.Nanosecond)
	expired, err = q.ExpireOverdue(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only %s expired, got %+v", old.ID, expired)
	}

	got, err := q.Get(ctx, young.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("young task should stay pending, got %s", got.Status)
	}

	if _, err := q.ExpireOverdue(ctx, 0); err == nil {
		t.Error("expected error for zero max age")
	}
}

func TestRequeue(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "script_x", textPayload("do X"), "run-7")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Requeue(ctx, task.ID, "ops"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("requeue of pending task: expected ErrInvalidState, got %v", err)
	}

	clock.Advance(25 * time.Hour)
	if _, err := q.ExpireOverdue(ctx, 24*time.Hour); err != nil {
		t.Fatalf("ExpireOverdue failed: %v", err)
	}

	fresh, err := q.Requeue(ctx, task.ID, "ops")
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if fresh.ID == task.ID || fresh.Supersedes != task.ID || fresh.Status != models.TaskStatusPending {
		t.Errorf("unexpected requeued task: %+v", fresh)
	}
	if fresh.OwnerRunID != "run-7" || fresh.Payload.Blocks[0].Content != "do X" {
		t.Errorf("requeued task lost context: %+v", fresh)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Expired != 1 || stats.Pending != 1 || stats.Total != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestList_PagedAndRestartable(t *testing.T) {
	q, clock := newTestQueue(t, WithPageSize(2))
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		class := "script_x"
		if i == 2 {
			class = "thumbnail"
		}
		task, err := q.Enqueue(ctx, class, textPayload(fmt.Sprintf("step %d", i)), "run")
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if class == "script_x" {
			want = append(want, task.ID)
		}
		clock.Advance(time.Millisecond)
	}

	seq := q.List(ctx, models.TaskFilter{ClassPrefix: "script_"})
	for pass := 0; pass < 2; pass++ {
		got, err := Collect(seq)
		if err != nil {
			t.Fatalf("pass %d: List failed: %v", pass, err)
		}
		if len(got) != len(want) {
			t.Fatalf("pass %d: got %d tasks, want %d", pass, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("pass %d: position %d = %s, want %s", pass, i, got[i].ID, want[i])
			}
		}
	}

	// Stopping early does not read past the first page.
	n := 0
	for range q.List(ctx, models.TaskFilter{}) {
		n++
		if n == 1 {
			break
		}
	}
	if n != 1 {
		t.Errorf("early break yielded %d", n)
	}
}
