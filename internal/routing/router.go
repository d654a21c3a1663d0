// Package routing resolves task classes to credential routes, probes the
// credentials behind them and quarantines the ones that fail permanently.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/store"
	"github.com/sourcegraph/conc/pool"
)

// ProbePrompt is sent by health probes. It must be cheap to answer.
const ProbePrompt = "Reply with the single word: ok"

// ProbeActor is recorded as the actor of health changes made by probes.
const ProbeActor = "probe"

// ProbeResult is the outcome of probing one slot.
type ProbeResult struct {
	SlotID  int                 `json:"slot_id"`
	Outcome models.ProbeOutcome `json:"outcome"`
	Detail  string              `json:"detail,omitempty"`
	Health  models.RouteHealth  `json:"health"`
	Err     string              `json:"error,omitempty"`
}

// Healthy reports whether the probe proved the route usable.
func (p ProbeResult) Healthy() bool {
	return p.Outcome == models.ProbeHealthy
}

// Router is the Credential Router.
type Router struct {
	store        *store.Store
	mu           sync.RWMutex
	backends     map[string]Backend
	classifier   *Classifier
	pdr          *audit.PDRWriter
	log          *logging.Logger
	now          func() time.Time
	probeTimeout time.Duration
	parallelism  int
}

// Option configures a Router.
type Option func(*Router)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithParallelism bounds how many probes ProbeAll runs at once.
func WithParallelism(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// New creates a Router. A nil classifier uses DefaultClassifier.
func New(st *store.Store, backends []Backend, classifier *Classifier, log *logging.Logger, opts ...Option) *Router {
	if log == nil {
		log = logging.NopLogger()
	}
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	r := &Router{
		store:        st,
		backends:     make(map[string]Backend, len(backends)),
		classifier:   classifier,
		pdr:          audit.NewPDRWriter(st, log),
		log:          log.WithComponent("routing"),
		now:          time.Now,
		probeTimeout: 30 * time.Second,
		parallelism:  4,
	}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetBackends swaps the backend set, used when configuration is reloaded.
func (r *Router) SetBackends(backends []Backend) {
	m := make(map[string]Backend, len(backends))
	for _, b := range backends {
		m[b.Name()] = b
	}
	r.mu.Lock()
	r.backends = m
	r.mu.Unlock()
}

func (r *Router) backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Declare registers configured routes. Existing routes keep their health
// and any operator override.
func (r *Router) Declare(ctx context.Context, decls []store.RouteDecl) error {
	seen := make(map[int]bool, len(decls))
	for _, d := range decls {
		if seen[d.SlotID] {
			return fmt.Errorf("declare: duplicate slot %d", d.SlotID)
		}
		seen[d.SlotID] = true
		if _, ok := r.backend(d.Backend); !ok {
			return fmt.Errorf("declare slot %d: unknown backend %q", d.SlotID, d.Backend)
		}
	}
	for _, d := range decls {
		created, err := r.store.DeclareRoute(ctx, d)
		if err != nil {
			return fmt.Errorf("declare slot %d: %w", d.SlotID, err)
		}
		if created {
			if _, err := r.pdr.Record(ctx, audit.ActionRouteDeclare, "config", slotSubject(d.SlotID), d, "declared",
				fmt.Sprintf("backend=%s credential=%s priority=%d", d.Backend, d.Credential, d.Priority)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve returns the route a call for class should use. With a requested
// slot, that slot is returned only if it is active and permits class.
// Otherwise an emergency pin for class wins, and failing that the first
// active permitted route by priority.
func (r *Router) Resolve(ctx context.Context, class string, requested *int) (*models.CredentialRoute, error) {
	if requested != nil {
		route, err := r.store.GetRoute(ctx, *requested)
		if errors.Is(err, errors.ErrRouteNotFound) {
			return nil, fmt.Errorf("%w: slot %d is not declared", errors.ErrRouteUnavailable, *requested)
		}
		if err != nil {
			return nil, err
		}
		if route.Health != models.RouteActive {
			return nil, fmt.Errorf("%w: slot %d is quarantined: %s", errors.ErrRouteUnavailable, route.SlotID, route.QuarantineReason)
		}
		if !Permits(route, class) {
			return nil, fmt.Errorf("%w: slot %d does not accept class %q", errors.ErrRouteUnavailable, route.SlotID, class)
		}
		return route, nil
	}

	candidates, err := r.Candidates(ctx, class)
	if err != nil {
		return nil, err
	}
	return &candidates[0], nil
}

// Candidates returns every route class may use right now, best first. An
// emergency pin narrows the list to the pinned slot.
func (r *Router) Candidates(ctx context.Context, class string) ([]models.CredentialRoute, error) {
	pin, err := r.pinFor(ctx, class)
	if err != nil {
		return nil, err
	}
	if pin != nil {
		route, err := r.store.GetRoute(ctx, pin.SlotID)
		if err != nil {
			return nil, err
		}
		if route.Health != models.RouteActive {
			return nil, fmt.Errorf("%w: class %q is pinned to slot %d, which is quarantined", errors.ErrRouteUnavailable, class, pin.SlotID)
		}
		return []models.CredentialRoute{*route}, nil
	}

	routes, err := r.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.CredentialRoute
	for _, route := range routes {
		if route.Health == models.RouteActive && Permits(&route, class) {
			out = append(out, route)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: class %q", errors.ErrNoRouteAvailable, class)
	}
	return out, nil
}

// pinFor returns the most specific emergency pin matching class.
func (r *Router) pinFor(ctx context.Context, class string) (*models.EmergencyPin, error) {
	pins, err := r.store.ListEmergencyPins(ctx)
	if err != nil {
		return nil, err
	}
	var best *models.EmergencyPin
	for i := range pins {
		p := &pins[i]
		if !MatchClass(p.Class, class) {
			continue
		}
		if best == nil || specificity(p.Class) > specificity(best.Class) {
			best = p
		}
	}
	return best, nil
}

// Execute runs req through route's backend and classifies the outcome.
func (r *Router) Execute(ctx context.Context, route *models.CredentialRoute, class, prompt string) (*Response, models.ProbeOutcome, string, error) {
	b, ok := r.backend(route.Backend)
	if !ok {
		return nil, "", "", fmt.Errorf("slot %d: unknown backend %q", route.SlotID, route.Backend)
	}
	resp, err := b.Execute(ctx, Request{Class: class, Credential: route.BoundCredential, Prompt: prompt})
	outcome, detail := r.classifier.Classify(resp, err)
	return resp, outcome, detail, nil
}

// Probe checks one slot through the same path real calls take. A
// permanent failure quarantines the slot; a healthy probe reactivates a
// quarantined one. Transient failures and probes through backends that do
// not authenticate change nothing but the recorded outcome.
func (r *Router) Probe(ctx context.Context, slot int) (ProbeResult, error) {
	route, err := r.store.GetRoute(ctx, slot)
	if err != nil {
		return ProbeResult{}, err
	}
	b, ok := r.backend(route.Backend)
	if !ok {
		return ProbeResult{}, fmt.Errorf("slot %d: unknown backend %q", slot, route.Backend)
	}

	res := ProbeResult{SlotID: slot, Health: route.Health}
	if !b.Authenticated() {
		res.Outcome = models.ProbeTransient
		res.Detail = "unverified: backend " + b.Name() + " does not authenticate probes"
	} else {
		pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		resp, execErr := b.Execute(pctx, Request{Class: "probe", Credential: route.BoundCredential, Prompt: ProbePrompt, Probe: true})
		cancel()
		res.Outcome, res.Detail = r.classifier.Classify(resp, execErr)
	}

	now := r.now()
	if err := r.store.RecordProbe(ctx, slot, res.Outcome, res.Detail, now); err != nil {
		return res, err
	}

	switch {
	case res.Outcome == models.ProbePermanent && route.Health == models.RouteActive:
		updated, err := r.store.SetRouteHealth(ctx, store.HealthChange{
			SlotID: slot, Health: models.RouteQuarantined, Actor: ProbeActor, Reason: res.Detail,
		}, now)
		if err != nil {
			return res, err
		}
		res.Health = updated.Health
		r.log.Warn("route quarantined", "slot", slot, "credential", route.BoundCredential, "reason", res.Detail)
	case res.Outcome == models.ProbeHealthy && route.Health == models.RouteQuarantined:
		updated, err := r.store.SetRouteHealth(ctx, store.HealthChange{
			SlotID: slot, Health: models.RouteActive, Actor: ProbeActor, Reason: "probe healthy",
		}, now)
		if err != nil {
			return res, err
		}
		res.Health = updated.Health
		r.log.Info("route reactivated by probe", "slot", slot)
	default:
		r.log.Debug("probe", "slot", slot, "outcome", res.Outcome, "detail", res.Detail)
	}

	if _, err := r.pdr.Record(ctx, audit.ActionRouteProbe, ProbeActor, slotSubject(slot),
		map[string]any{"slot": slot, "credential": route.BoundCredential}, string(res.Outcome), res.Detail); err != nil {
		return res, err
	}
	return res, nil
}

// ProbeAll probes every declared slot, or only quarantined ones, with
// bounded parallelism. Per-slot errors are reported in the results.
func (r *Router) ProbeAll(ctx context.Context, onlyQuarantined bool) ([]ProbeResult, error) {
	routes, err := r.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[ProbeResult]().WithMaxGoroutines(r.parallelism).WithContext(ctx)
	for _, route := range routes {
		if onlyQuarantined && route.Health != models.RouteQuarantined {
			continue
		}
		slot := route.SlotID
		p.Go(func(ctx context.Context) (ProbeResult, error) {
			res, err := r.Probe(ctx, slot)
			if err != nil {
				res.SlotID = slot
				res.Err = err.Error()
			}
			return res, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SlotID < results[j].SlotID })
	return results, nil
}

// Quarantine removes a slot from selection until it is reactivated.
func (r *Router) Quarantine(ctx context.Context, slot int, actor, reason string) (*models.CredentialRoute, error) {
	if err := requireReason(actor, reason); err != nil {
		return nil, err
	}
	route, err := r.store.SetRouteHealth(ctx, store.HealthChange{SlotID: slot, Health: models.RouteQuarantined, Actor: actor, Reason: reason}, r.now())
	if err != nil {
		return nil, err
	}
	r.log.Warn("route quarantined", "slot", slot, "actor", actor, "reason", reason)
	return route, nil
}

// Reactivate returns a quarantined slot to selection.
func (r *Router) Reactivate(ctx context.Context, slot int, actor, reason string) (*models.CredentialRoute, error) {
	if err := requireReason(actor, reason); err != nil {
		return nil, err
	}
	route, err := r.store.SetRouteHealth(ctx, store.HealthChange{SlotID: slot, Health: models.RouteActive, Actor: actor, Reason: reason}, r.now())
	if err != nil {
		return nil, err
	}
	r.log.Info("route reactivated", "slot", slot, "actor", actor, "reason", reason)
	return route, nil
}

// Override rebinds slot to credential without touching its health.
func (r *Router) Override(ctx context.Context, slot int, credential, actor, reason string) (*models.CredentialRoute, error) {
	if err := requireReason(actor, reason); err != nil {
		return nil, err
	}
	route, err := r.store.OverrideRoute(ctx, slot, credential, actor, reason, r.now())
	if err != nil {
		return nil, err
	}
	r.log.Warn("route overridden", "slot", slot, "credential", route.BoundCredential, "actor", actor, "reason", reason)
	return route, nil
}

// EmergencyOverride pins class onto slot, bypassing class filters. A
// quarantined slot is still refused at resolve time.
func (r *Router) EmergencyOverride(ctx context.Context, class string, slot int, actor, reason string) error {
	if err := requireReason(actor, reason); err != nil {
		return err
	}
	if class == "" {
		return fmt.Errorf("emergency override: class is required")
	}
	pin := models.EmergencyPin{Class: class, SlotID: slot, Actor: actor, Reason: reason, CreatedAt: r.now().UTC()}
	if err := r.store.SetEmergencyPin(ctx, pin); err != nil {
		return err
	}
	r.log.Warn("EMERGENCY OVERRIDE", "class", class, "slot", slot, "actor", actor, "reason", reason)
	return nil
}

// ClearEmergency removes the pin for class. It reports whether one existed.
func (r *Router) ClearEmergency(ctx context.Context, class, actor, reason string) (bool, error) {
	if err := requireReason(actor, reason); err != nil {
		return false, err
	}
	cleared, err := r.store.ClearEmergencyPin(ctx, class, actor, reason, r.now())
	if err != nil {
		return false, err
	}
	if cleared {
		r.log.Warn("emergency override cleared", "class", class, "actor", actor, "reason", reason)
	}
	return cleared, nil
}

// Routes returns every declared route.
func (r *Router) Routes(ctx context.Context) ([]models.CredentialRoute, error) {
	return r.store.ListRoutes(ctx)
}

// Pins returns every emergency pin.
func (r *Router) Pins(ctx context.Context) ([]models.EmergencyPin, error) {
	return r.store.ListEmergencyPins(ctx)
}

// Permits reports whether route's class filters admit class. The blocklist
// wins over the allowlist; an empty allowlist admits everything.
func Permits(route *models.CredentialRoute, class string) bool {
	for _, p := range route.ClassBlocklist {
		if MatchClass(p, class) {
			return false
		}
	}
	if len(route.ClassAllowlist) == 0 {
		return true
	}
	for _, p := range route.ClassAllowlist {
		if MatchClass(p, class) {
			return true
		}
	}
	return false
}

// MatchClass matches a class filter: "script_*" is a prefix match, "*"
// matches everything, anything else is exact.
func MatchClass(pattern, class string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(class, prefix)
	}
	return pattern == class
}

// specificity orders pins: exact beats prefix, longer prefix beats shorter.
func specificity(pattern string) int {
	if strings.HasSuffix(pattern, "*") {
		return len(pattern) - 1
	}
	return 1 << 20
}

func requireReason(actor, reason string) error {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return errors.ErrOverrideReasonRequired
	}
	return nil
}

func slotSubject(slot int) string {
	return fmt.Sprintf("slot:%d", slot)
}
