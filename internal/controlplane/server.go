package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
)

// Server provides the operator HTTP API for Baton.
type Server struct {
	service *Service
	addr    string
	version string
	log     *logging.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr, version string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NopLogger()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{
		service: service,
		addr:    addr,
		version: version,
		log:     log.WithComponent("http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Tasks
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks/stats", s.taskStats)
	mux.HandleFunc("POST /tasks/expire", s.expireTasks)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("POST /tasks/{id}/bundle", s.bundleTask)
	mux.HandleFunc("POST /tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /tasks/{id}/requeue", s.requeueTask)

	// Locks
	mux.HandleFunc("GET /locks", s.listLocks)
	mux.HandleFunc("POST /locks", s.acquireLock)
	mux.HandleFunc("POST /locks/renew", s.renewLock)
	mux.HandleFunc("POST /locks/release", s.releaseLock)
	mux.HandleFunc("POST /locks/reclaim", s.reclaimLocks)

	// Routing
	mux.HandleFunc("GET /routes", s.listRoutes)
	mux.HandleFunc("POST /routes/probe", s.probeAll)
	mux.HandleFunc("POST /routes/{slot}/probe", s.probeRoute)
	mux.HandleFunc("POST /routes/{slot}/override", s.overrideRoute)
	mux.HandleFunc("POST /routes/{slot}/quarantine", s.quarantineRoute)
	mux.HandleFunc("POST /routes/{slot}/reactivate", s.reactivateRoute)
	mux.HandleFunc("GET /emergency", s.listPins)
	mux.HandleFunc("POST /emergency", s.setPin)
	mux.HandleFunc("POST /emergency/clear", s.clearPin)

	// Pipeline
	mux.HandleFunc("POST /llm", s.runLLM)

	// Trail
	mux.HandleFunc("GET /audit", s.listAudit)
	mux.HandleFunc("GET /attempts", s.listAttempts)

	return mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	s.log.Info("starting baton daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{OK: true, DB: "ok", Version: s.version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.service.Health(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string       `json:"error"`
	Code  string       `json:"code"`
	Task  *models.Task `json:"task,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorCode(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	body := ErrorResponse{Error: err.Error(), Code: code}
	var nt *NeedsTaskError
	if errors.As(err, &nt) {
		body.Task = nt.Task
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errors.ErrInvalidPayload, err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return d, nil
}

func slotParam(r *http.Request) (int, error) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		return 0, fmt.Errorf("%w: slot must be a number", errors.ErrInvalidPayload)
	}
	return slot, nil
}

// --- Tasks ---

type createTaskRequest struct {
	Class      string         `json:"class"`
	Payload    models.Payload `json:"payload"`
	OwnerRunID string         `json:"owner_run_id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.Enqueue(r.Context(), req.Class, req.Payload, req.OwnerRunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TaskFilter{ClassPrefix: q.Get("class"), Status: models.TaskStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown status %q", errors.ErrInvalidPayload, filter.Status))
		return
	}
	tasks, err := s.service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) bundleTask(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.Bundle(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	Result string `json:"result"`
	Actor  string `json:"actor"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.Submit(r.Context(), r.PathValue("id"), req.Result, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) requeueTask(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.Requeue(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type expireRequest struct {
	MaxAge string `json:"max_age"`
}

func (s *Server) expireTasks(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	maxAge, err := parseDuration(req.MaxAge)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expired, err := s.service.ExpireOverdue(r.Context(), maxAge)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if expired == nil {
		expired = []models.Task{}
	}
	writeJSON(w, http.StatusOK, expired)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Locks ---

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.service.Holders(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []models.LockRecord{}
	}
	writeJSON(w, http.StatusOK, locks)
}

type acquireRequest struct {
	Scope  string          `json:"scope"`
	Holder string          `json:"holder"`
	Mode   models.LockMode `json:"mode"`
	TTL    string          `json:"ttl"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ttl, err := parseDuration(req.TTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.service.RequestLock(r.Context(), req.Scope, req.Holder, req.Mode, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

type renewRequest struct {
	Handle models.LockHandle `json:"handle"`
	TTL    string            `json:"ttl"`
}

func (s *Server) renewLock(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ttl, err := parseDuration(req.TTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.service.RenewLock(r.Context(), req.Handle, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var h models.LockHandle
	if err := decode(r, &h); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.ReleaseLock(r.Context(), h); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) reclaimLocks(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.service.ReclaimStaleLocks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reclaimed == nil {
		reclaimed = []models.LockRecord{}
	}
	writeJSON(w, http.StatusOK, reclaimed)
}

// --- Routing ---

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.service.Routes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if routes == nil {
		routes = []models.CredentialRoute{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) probeRoute(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.Probe(r.Context(), slot)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) probeAll(w http.ResponseWriter, r *http.Request) {
	onlyQuarantined := r.URL.Query().Get("quarantined") == "true"
	results, err := s.service.ProbeAll(r.Context(), onlyQuarantined)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []routing.ProbeResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

type routeChangeRequest struct {
	Credential string `json:"credential,omitempty"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason"`
}

func (s *Server) overrideRoute(w http.ResponseWriter, r *http.Request) {
	s.changeRoute(w, r, func(ctx context.Context, slot int, req routeChangeRequest) (*models.CredentialRoute, error) {
		return s.service.Override(ctx, slot, req.Credential, req.Actor, req.Reason)
	})
}

func (s *Server) quarantineRoute(w http.ResponseWriter, r *http.Request) {
	s.changeRoute(w, r, func(ctx context.Context, slot int, req routeChangeRequest) (*models.CredentialRoute, error) {
		return s.service.Quarantine(ctx, slot, req.Actor, req.Reason)
	})
}

func (s *Server) reactivateRoute(w http.ResponseWriter, r *http.Request) {
	s.changeRoute(w, r, func(ctx context.Context, slot int, req routeChangeRequest) (*models.CredentialRoute, error) {
		return s.service.Reactivate(ctx, slot, req.Actor, req.Reason)
	})
}

func (s *Server) changeRoute(w http.ResponseWriter, r *http.Request, apply func(context.Context, int, routeChangeRequest) (*models.CredentialRoute, error)) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req routeChangeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	route, err := apply(r.Context(), slot, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) listPins(w http.ResponseWriter, r *http.Request) {
	pins, err := s.service.Pins(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pins == nil {
		pins = []models.EmergencyPin{}
	}
	writeJSON(w, http.StatusOK, pins)
}

type pinRequest struct {
	Class  string `json:"class"`
	Slot   int    `json:"slot"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) setPin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.EmergencyOverride(r.Context(), req.Class, req.Slot, req.Actor, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"class": req.Class, "slot": req.Slot})
}

func (s *Server) clearPin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cleared, err := s.service.ClearEmergency(r.Context(), req.Class, req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

// --- Pipeline ---

func (s *Server) runLLM(w http.ResponseWriter, r *http.Request) {
	var req LLMRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.RunLLM(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Trail ---

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := store.AuditQuery{ActionPrefix: q.Get("action"), Subject: q.Get("subject"), Limit: 100}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a number", errors.ErrInvalidPayload))
			return
		}
		aq.Limit = n
	}
	entries, err := s.service.Audit(r.Context(), aq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := s.service.Attempts(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
