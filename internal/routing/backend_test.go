package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecBackend_Execute(t *testing.T) {
	requireShell(t)
	b := NewExecBackend("cli", "sh",
		[]string{"-c", `printf '%s|%s|%s|' "$1" "$BATON_CLASS" "$SLOT_KEY"; cat`, "sh", "{credential}"},
		[]string{"SLOT_KEY=key-{credential}"}, "", true)

	resp, err := b.Execute(context.Background(), Request{Class: "script_x", Credential: "acct-1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("exit code = %d, stderr %q", resp.ExitCode, resp.Stderr)
	}
	if want := "acct-1|script_x|key-acct-1|hello"; resp.Output != want {
		t.Errorf("output = %q, want %q", resp.Output, want)
	}
}

func TestExecBackend_NonZeroExit(t *testing.T) {
	requireShell(t)
	b := NewExecBackend("cli", "sh", []string{"-c", "echo 'account suspended' >&2; exit 3"}, nil, "", true)

	resp, err := b.Execute(context.Background(), Request{Credential: "a"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", resp.ExitCode)
	}
	if !strings.Contains(resp.Stderr, "suspended") {
		t.Errorf("stderr = %q", resp.Stderr)
	}
}

func TestExecBackend_Timeout(t *testing.T) {
	requireShell(t)
	b := NewExecBackend("cli", "sh", []string{"-c", "sleep 5"}, nil, "", true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Execute(ctx, Request{Credential: "a"}); err == nil {
		t.Fatal("expected error on timeout")
	}
}

func TestExecBackend_MissingCommand(t *testing.T) {
	b := NewExecBackend("cli", "/nonexistent/baton-cli", nil, nil, "", true)
	if _, err := b.Execute(context.Background(), Request{Credential: "a"}); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestHTTPBackend_Execute(t *testing.T) {
	t.Setenv("KEY_acct7", "sk-test")

	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if gotReq.Credential == "revoked" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"key revoked"}`))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	b := NewHTTPBackend("api", srv.URL, map[string]string{"Authorization": "Bearer ${KEY_{credential}}"}, time.Second, true)

	resp, err := b.Execute(context.Background(), Request{Class: "script_x", Credential: "acct7", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Output != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Prompt != "hi" || gotReq.Class != "script_x" {
		t.Errorf("request body = %+v", gotReq)
	}

	resp, err = b.Execute(context.Background(), Request{Credential: "revoked"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.Status)
	}
}

func TestHTTPBackend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := NewHTTPBackend("api", url, nil, time.Second, true)
	if _, err := b.Execute(context.Background(), Request{Credential: "a"}); err == nil {
		t.Fatal("expected error for closed server")
	}
}
