package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fentz26/baton/internal/lockmgr"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
	"github.com/fentz26/baton/internal/taskqueue"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	router := routing.New(st, nil, nil, nil)
	service := NewService(st, lockmgr.New(st, nil), taskqueue.New(st, nil), router, nil, Policy{})
	server := NewServer(service, "127.0.0.1:0", "test", nil)

	// Close the store to simulate DB error
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
}

func TestTaskEndpoints_Lifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	body := `{"class":"script_x","payload":{"blocks":[{"content":"do X"}],"response_format":{"kind":"text"}},"owner_run_id":"run-1"}`
	w := do(t, h, http.MethodPost, "/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body)
	}
	var task models.Task
	json.NewDecoder(w.Body).Decode(&task)

	w = do(t, h, http.MethodGet, "/tasks?status=pending&class=script", "")
	var tasks []models.Task
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("list: expected the new task, got %+v", tasks)
	}

	w = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/bundle", `{"actor":"operator"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("bundle: expected 200, got %d: %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/complete", `{"result":"result text","actor":"operator"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodPost, "/tasks/"+task.ID+"/complete", `{"result":"other","actor":"operator"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second complete: expected 409, got %d", w.Code)
	}
	var errResp ErrorResponse
	json.NewDecoder(w.Body).Decode(&errResp)
	if errResp.Code != "invalid_state" {
		t.Errorf("expected code invalid_state, got %q", errResp.Code)
	}

	w = do(t, h, http.MethodGet, "/tasks/stats", "")
	var stats models.QueueStats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Completed != 1 {
		t.Errorf("stats: expected 1 completed, got %+v", stats)
	}
}

func TestTaskEndpoints_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/tasks/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("get missing: expected 404, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks", `{"class":"c","payload":{"blocks":[]}}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty payload: expected 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/tasks?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", w.Code)
	}

	body := `{"class":"c","payload":{"blocks":[{"content":"x"}],"response_format":{"kind":"json"}}}`
	w := do(t, h, http.MethodPost, "/tasks", body)
	var task models.Task
	json.NewDecoder(w.Body).Decode(&task)
	if w := do(t, h, http.MethodPost, "/tasks/"+task.ID+"/complete", `{"result":"here you go: {}"}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed result: expected 422, got %d", w.Code)
	}
}

func TestLockEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/locks", `{"scope":"CH01/035","holder":"a","mode":"exclusive","ttl":"60s"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("acquire: expected 201, got %d: %s", w.Code, w.Body)
	}
	var handle models.LockHandle
	json.NewDecoder(w.Body).Decode(&handle)

	w = do(t, h, http.MethodPost, "/locks", `{"scope":"CH01/035/content","holder":"b","mode":"exclusive"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("conflicting acquire: expected 409, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/locks?scope=CH01", "")
	var locks []models.LockRecord
	json.NewDecoder(w.Body).Decode(&locks)
	if len(locks) != 1 || locks[0].Holder != "a" {
		t.Errorf("holders: unexpected %+v", locks)
	}

	hb, _ := json.Marshal(handle)
	for i := 0; i < 2; i++ {
		if w := do(t, h, http.MethodPost, "/locks/release", string(hb)); w.Code != http.StatusOK {
			t.Errorf("release %d: expected 200, got %d", i, w.Code)
		}
	}

	renew, _ := json.Marshal(renewRequest{Handle: handle, TTL: "30s"})
	if w := do(t, h, http.MethodPost, "/locks/renew", string(renew)); w.Code != http.StatusConflict {
		t.Errorf("renew released lock: expected 409, got %d", w.Code)
	}
}

func TestRouteEndpoints(t *testing.T) {
	s, env := newTestServer(t)
	h := s.Handler()
	env.fb.set("acct-1", &routing.Response{Status: 403, Output: "suspended"})

	w := do(t, h, http.MethodPost, "/routes/1/probe", "")
	if w.Code != http.StatusOK {
		t.Fatalf("probe: expected 200, got %d: %s", w.Code, w.Body)
	}
	var res routing.ProbeResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Health != models.RouteQuarantined {
		t.Errorf("probe should quarantine slot 1: %+v", res)
	}

	if w := do(t, h, http.MethodPost, "/routes/1/reactivate", `{"actor":"ops"}`); w.Code != http.StatusBadRequest {
		t.Errorf("reactivate without reason: expected 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/routes/1/override", `{"credential":"acct-9","actor":"ops","reason":"rotate"}`); w.Code != http.StatusOK {
		t.Errorf("override: expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/routes/x/probe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad slot: expected 400, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/routes/42/probe", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown slot: expected 404, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/routes", "")
	var routes []models.CredentialRoute
	json.NewDecoder(w.Body).Decode(&routes)
	if len(routes) != 2 || routes[0].BoundCredential != "acct-9" || routes[0].Health != models.RouteQuarantined {
		t.Errorf("routes: unexpected %+v", routes)
	}

	if w := do(t, h, http.MethodPost, "/emergency", `{"class":"script_x","slot":2,"actor":"ops","reason":"outage"}`); w.Code != http.StatusCreated {
		t.Errorf("pin: expected 201, got %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/emergency", "")
	var pins []models.EmergencyPin
	json.NewDecoder(w.Body).Decode(&pins)
	if len(pins) != 1 || pins[0].SlotID != 2 {
		t.Errorf("pins: unexpected %+v", pins)
	}
	w = do(t, h, http.MethodGet, "/audit?action=route.emergency", "")
	var entries []models.AuditEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 {
		t.Errorf("expected one emergency audit entry, got %d", len(entries))
	}
}

func TestLLMEndpoint(t *testing.T) {
	s, env := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/llm", `{"class":"script_x","prompt":"write X"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("run_llm: expected 200, got %d: %s", w.Code, w.Body)
	}
	var res LLMResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.SlotID != 1 {
		t.Errorf("expected slot 1, got %+v", res)
	}

	env.svc.SetPolicy(Policy{AgentClasses: []string{"script_*"}})
	w = do(t, h, http.MethodPost, "/llm", `{"class":"script_x","prompt":"write X","owner_run_id":"run-2"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("agent mode: expected 202, got %d: %s", w.Code, w.Body)
	}
	var errResp ErrorResponse
	json.NewDecoder(w.Body).Decode(&errResp)
	if errResp.Code != "needs_task" || errResp.Task == nil || errResp.Task.Status != models.TaskStatusPending {
		t.Errorf("expected needs_task with a pending task, got %+v", errResp)
	}
}

func newTestServer(t *testing.T) (*Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t, Policy{}, twoSlots()...)
	return NewServer(env.svc, "127.0.0.1:0", "test", nil), env
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
