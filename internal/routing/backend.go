package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Request is one call made through a route's bound credential.
type Request struct {
	Class      string `json:"class"`
	Credential string `json:"credential"`
	Prompt     string `json:"prompt"`
	Probe      bool   `json:"probe,omitempty"`
}

// Response is what a backend returned. Status is the HTTP status for http
// backends; ExitCode is the process exit code for exec backends.
type Response struct {
	Output   string `json:"output"`
	Stderr   string `json:"stderr,omitempty"`
	Status   int    `json:"status,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Backend executes requests against a credential/model.
type Backend interface {
	// Name returns the backend identifier used in route declarations.
	Name() string

	// Authenticated reports whether Execute exercises the same
	// authenticated path as real usage. Probes through a backend that
	// does not are never treated as evidence of health.
	Authenticated() bool

	// Execute runs one request. A non-nil error means the call could not
	// be made at all; backend-level failures are reported in Response.
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ExecBackend runs a local command per request, such as a vendor CLI. The
// prompt is written to stdin. "{credential}" and "{class}" in args and in
// KEY=VALUE env entries are replaced per request.
type ExecBackend struct {
	name    string
	command string
	args    []string
	env     []string
	workDir string
	authed  bool
}

// NewExecBackend creates an exec backend.
func NewExecBackend(name, command string, args []string, env []string, workDir string, authenticated bool) *ExecBackend {
	return &ExecBackend{name: name, command: command, args: args, env: env, workDir: workDir, authed: authenticated}
}

// Name returns the backend identifier.
func (b *ExecBackend) Name() string { return b.name }

// Authenticated reports whether probes exercise the real execution path.
func (b *ExecBackend) Authenticated() bool { return b.authed }

// Execute runs the configured command.
func (b *ExecBackend) Execute(ctx context.Context, req Request) (*Response, error) {
	args := make([]string, len(b.args))
	for i, a := range b.args {
		args[i] = expand(a, req)
	}

	cmd := exec.CommandContext(ctx, b.command, args...)
	if b.workDir != "" {
		cmd.Dir = b.workDir
	}
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "BATON_CREDENTIAL="+req.Credential, "BATON_CLASS="+req.Class)
	if req.Probe {
		cmd.Env = append(cmd.Env, "BATON_PROBE=1")
	}
	for _, e := range b.env {
		cmd.Env = append(cmd.Env, expand(e, req))
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			exitCode = exitError.ExitCode()
		} else {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("exec %s: %w", b.command, ctx.Err())
			}
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &Response{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// HTTPBackend posts each request as JSON to a completion endpoint.
// "{credential}" in header values is replaced per request and environment
// variables are expanded, so a header can read "Bearer ${KEY_{credential}}".
type HTTPBackend struct {
	name    string
	url     string
	headers map[string]string
	authed  bool
	client  *http.Client
}

// NewHTTPBackend creates an http backend. A zero timeout uses 60s.
func NewHTTPBackend(name, url string, headers map[string]string, timeout time.Duration, authenticated bool) *HTTPBackend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		name:    name,
		url:     url,
		headers: headers,
		authed:  authenticated,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() string { return b.name }

// Authenticated reports whether probes exercise the real execution path.
func (b *HTTPBackend) Authenticated() bool { return b.authed }

// Execute posts the request and returns the response body as output.
func (b *HTTPBackend) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range b.headers {
		httpReq.Header.Set(k, os.ExpandEnv(expand(v, req)))
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", b.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{Output: string(data), Status: resp.StatusCode}, nil
}

func expand(s string, req Request) string {
	return strings.NewReplacer("{credential}", req.Credential, "{class}", req.Class).Replace(s)
}
