package tui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/baton/internal/controlplane"
	"github.com/fentz26/baton/internal/lockmgr"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
	"github.com/fentz26/baton/internal/taskqueue"
)

type okBackend struct{}

func (okBackend) Name() string        { return "ok" }
func (okBackend) Authenticated() bool { return true }
func (okBackend) Execute(context.Context, routing.Request) (*routing.Response, error) {
	return &routing.Response{Output: "pong"}, nil
}

func newTestDaemon(t *testing.T) (*Client, *controlplane.Service) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "baton.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	router := routing.New(st, []routing.Backend{okBackend{}}, nil, nil)
	if err := router.Declare(context.Background(), []store.RouteDecl{
		{SlotID: 1, Priority: 1, Backend: "ok", Credential: "acct-1"},
		{SlotID: 2, Priority: 2, Backend: "ok", Credential: "acct-2"},
	}); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	svc := controlplane.NewService(st, lockmgr.New(st, nil), taskqueue.New(st, nil), router, nil, controlplane.DefaultPolicy())

	ts := httptest.NewServer(controlplane.NewServer(svc, "", "test", nil).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), svc
}

func enqueue(t *testing.T, svc *controlplane.Service, class string) *models.Task {
	t.Helper()
	task, err := svc.Enqueue(context.Background(), class, models.Payload{
		Blocks:         []models.Block{{Role: "instruction", Content: "Summarize chapter 3"}},
		ResponseFormat: models.ResponseFormat{Kind: models.FormatJSON, Fields: map[string]string{"summary": "string"}},
	}, "run-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func TestClient_TaskLifecycle(t *testing.T) {
	client, svc := newTestDaemon(t)
	task := enqueue(t, svc, "script_summary")

	pending, err := client.ListTasks("pending")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("expected the enqueued task, got %+v", pending)
	}

	bundled, err := client.BundleTask(task.ID)
	if err != nil {
		t.Fatalf("BundleTask failed: %v", err)
	}
	if bundled.Status != models.TaskStatusBundled {
		t.Errorf("status = %s, want bundled", bundled.Status)
	}

	done, err := client.CompleteTask(task.ID, `{"summary": "short"}`)
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}

	_, err = client.CompleteTask(task.ID, `{"summary": "again"}`)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Code != "invalid_state" {
		t.Errorf("second complete should be invalid_state, got %v", err)
	}

	stats, err := client.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Completed != 1 || stats.Pending != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClient_NotFound(t *testing.T) {
	client, _ := newTestDaemon(t)

	_, err := client.GetTask("missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestClient_Routes(t *testing.T) {
	client, _ := newTestDaemon(t)

	routes, err := client.ListRoutes()
	if err != nil {
		t.Fatalf("ListRoutes failed: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}

	route, err := client.QuarantineRoute(1, "billing suspended")
	if err != nil {
		t.Fatalf("QuarantineRoute failed: %v", err)
	}
	if route.Health != models.RouteQuarantined || route.QuarantineReason != "billing suspended" {
		t.Errorf("unexpected route: %+v", route)
	}

	_, err = client.ReactivateRoute(1, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "reason_required" {
		t.Errorf("reactivate without reason should fail, got %v", err)
	}

	res, err := client.ProbeRoute(1)
	if err != nil {
		t.Fatalf("ProbeRoute failed: %v", err)
	}
	if !res.Healthy() || res.Health != models.RouteActive {
		t.Errorf("healthy probe should reactivate, got %+v", res)
	}

	route, err = client.OverrideRoute(2, "acct-9", "rotating keys")
	if err != nil {
		t.Fatalf("OverrideRoute failed: %v", err)
	}
	if route.BoundCredential != "acct-9" || !route.Overridden {
		t.Errorf("unexpected override: %+v", route)
	}

	results, err := client.ProbeAll(false)
	if err != nil {
		t.Fatalf("ProbeAll failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 probe results, got %d", len(results))
	}
}

func TestClient_Locks(t *testing.T) {
	client, svc := newTestDaemon(t)
	ctx := context.Background()

	if _, err := svc.RequestLock(ctx, "CH01/001", "agent-a", models.LockExclusive, time.Hour); err != nil {
		t.Fatalf("RequestLock failed: %v", err)
	}

	locks, err := client.ListLocks()
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].Holder != "agent-a" {
		t.Fatalf("unexpected locks: %+v", locks)
	}

	n, err := client.ReclaimLocks()
	if err != nil {
		t.Fatalf("ReclaimLocks failed: %v", err)
	}
	if n != 0 {
		t.Errorf("live lock should not be reclaimed, got %d", n)
	}
}

func TestClient_Health(t *testing.T) {
	client, _ := newTestDaemon(t)
	ok, err := client.CheckHealth()
	if err != nil || !ok {
		t.Errorf("CheckHealth = %v, %v", ok, err)
	}

	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	if ok, err := NewClient(url).CheckHealth(); err == nil || ok {
		t.Errorf("closed daemon should be unhealthy, got %v, %v", ok, err)
	}
}

func TestCmdBar_Execute(t *testing.T) {
	client, svc := newTestDaemon(t)
	task := enqueue(t, svc, "script_summary")
	bar := NewCmdBarModel()
	selected := func() string { return task.ID }

	msg := bar.Execute(client, "bundle", selected)()
	res, ok := msg.(cmdResultMsg)
	if !ok {
		t.Fatalf("expected cmdResultMsg, got %T", msg)
	}
	if res.showTask != task.ID {
		t.Errorf("bundle should open the task, got %+v", res)
	}

	msg = bar.Execute(client, `complete {"summary":  "two  spaces"}`, selected)()
	if res := msg.(cmdResultMsg); res.message != "Task "+shortID(task.ID)+" completed" {
		t.Errorf("unexpected complete result: %q", res.message)
	}
	got, err := svc.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != `{"summary":  "two  spaces"}` {
		t.Errorf("result should be kept verbatim, got %q", got.Result)
	}

	msg = bar.Execute(client, "quarantine 2 quota exhausted", selected)()
	if res := msg.(cmdResultMsg); !res.routes || res.message != "Slot 2 is quarantined" {
		t.Errorf("unexpected quarantine result: %+v", res)
	}

	msg = bar.Execute(client, "probe x", selected)()
	if res := msg.(cmdResultMsg); res.message != "Usage: probe <slot|all|quarantined>" {
		t.Errorf("unexpected usage message: %q", res.message)
	}

	msg = bar.Execute(client, "bundle", func() string { return "" })()
	if res := msg.(cmdResultMsg); res.message != "No task selected" {
		t.Errorf("unexpected message: %q", res.message)
	}
}
