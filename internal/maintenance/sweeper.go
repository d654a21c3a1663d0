package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
)

// LockReclaimer deletes expired lock records.
type LockReclaimer interface {
	ReclaimStale(ctx context.Context) ([]models.LockRecord, error)
}

// TaskExpirer expires abandoned tasks.
type TaskExpirer interface {
	ExpireOverdue(ctx context.Context, maxAge time.Duration) ([]models.Task, error)
}

// Prober re-checks routes.
type Prober interface {
	ProbeAll(ctx context.Context, onlyQuarantined bool) ([]routing.ProbeResult, error)
}

// Report summarizes one sweep.
type Report struct {
	Reclaimed   int
	Expired     int
	Probed      int
	Reactivated int
}

// Sweeper runs maintenance on a ticker.
type Sweeper struct {
	locks  LockReclaimer
	tasks  TaskExpirer
	prober Prober
	log    *logging.Logger

	mu     sync.Mutex
	config Config
	last   Report
	sweeps int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper. prober may be nil to disable re-probing.
func New(locks LockReclaimer, tasks TaskExpirer, prober Prober, log *logging.Logger, cfg Config) *Sweeper {
	if log == nil {
		log = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		locks:  locks,
		tasks:  tasks,
		prober: prober,
		log:    log.WithComponent("maintenance"),
		config: cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetConfig replaces the configuration. A new interval applies after the
// current tick.
func (s *Sweeper) SetConfig(cfg Config) {
	s.mu.Lock()
	s.config = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Sweeper) currentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Info("sweeper started", "interval", s.currentConfig().Interval)
}

// Stop gracefully stops the sweeper and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	interval := s.currentConfig().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(s.ctx); err != nil {
				if errors.IsFatal(err) {
					s.log.Error("sweep hit corrupt store, stopping", "error", err)
					return
				}
				if s.ctx.Err() == nil {
					s.log.Error("sweep failed", "error", err)
				}
			}
			if next := s.currentConfig().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// RunOnce performs a single sweep. Each step runs even if an earlier one
// failed; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	cfg := s.currentConfig()
	var rep Report
	var errs []error

	reclaimed, err := s.locks.ReclaimStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Reclaimed = len(reclaimed)

	expired, err := s.tasks.ExpireOverdue(ctx, cfg.MaxTaskAge)
	if err != nil {
		errs = append(errs, err)
	}
	rep.Expired = len(expired)

	if cfg.Reprobe && s.prober != nil {
		results, err := s.prober.ProbeAll(ctx, true)
		if err != nil {
			errs = append(errs, err)
		}
		rep.Probed = len(results)
		for _, r := range results {
			if r.Err != "" {
				s.log.Warn("re-probe failed", "slot", r.SlotID, "error", r.Err)
				continue
			}
			if r.Health == models.RouteActive {
				rep.Reactivated++
			}
		}
	}

	s.mu.Lock()
	s.last = rep
	s.sweeps++
	s.mu.Unlock()

	if rep.Reclaimed+rep.Expired+rep.Reactivated > 0 {
		s.log.Info("sweep", "reclaimed", rep.Reclaimed, "expired", rep.Expired, "probed", rep.Probed, "reactivated", rep.Reactivated)
	}
	return rep, errors.Join(errs...)
}

// GetStats returns the number of completed sweeps and the last report.
func (s *Sweeper) GetStats() (int, Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps, s.last
}
