package main

import (
	"context"
	"strings"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/config"
	"github.com/fentz26/baton/internal/controlplane"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/lockmgr"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/routing"
	"github.com/fentz26/baton/internal/store"
	"github.com/fentz26/baton/internal/taskqueue"
	"github.com/spf13/cobra"
)

// runtime is one process's view of the shared store. Every CLI command
// opens its own, the same way each agent process does.
type runtime struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *store.Store
	locks  *lockmgr.Manager
	queue  *taskqueue.Queue
	router *routing.Router
	svc    *controlplane.Service
}

// openRuntime loads configuration, opens the store and declares the
// configured routes. Short-lived commands log at WARN and above to stderr
// unless a log directory or debug level is configured.
func openRuntime(ctx context.Context, daemon bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if !daemon && cfg.Logging.Dir == "" && !strings.EqualFold(level, "debug") {
		level = "warn"
	}
	base, err := logging.NewLogger(cfg.LogDir(), level)
	if err != nil {
		return nil, err
	}
	log := commandLogger(base, daemon, actorArg)

	st, err := store.New(cfg.StorePath())
	if err != nil {
		log.Close()
		return nil, errors.Wrap(err, "open store "+cfg.StorePath())
	}

	st.SetAuditMirror(audit.NewPDRWriter(st, log).Mirror)

	rt := &runtime{cfg: cfg, log: log, store: st}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// commandLogger tags a CLI invocation's entries with the acting agent. The
// daemon serves many agents and stays untagged.
func commandLogger(log *logging.Logger, daemon bool, actor string) *logging.Logger {
	if daemon || actor == "" {
		return log
	}
	return log.WithAgent(actor)
}

func (rt *runtime) build(ctx context.Context) error {
	classifier, err := rt.cfg.Classifier()
	if err != nil {
		return err
	}
	backends, err := rt.cfg.BuildBackends()
	if err != nil {
		return err
	}

	rt.locks = lockmgr.New(rt.store, rt.log)
	rt.queue = taskqueue.New(rt.store, rt.log, taskqueue.WithPageSize(rt.cfg.Tasks.PageSize))
	rt.router = routing.New(rt.store, backends, classifier, rt.log,
		routing.WithProbeTimeout(rt.cfg.Routing.ProbeTimeout),
		routing.WithParallelism(rt.cfg.Routing.ProbeParallelism),
	)
	if err := rt.router.Declare(ctx, rt.cfg.RouteDecls()); err != nil {
		return err
	}
	rt.svc = controlplane.NewService(rt.store, rt.locks, rt.queue, rt.router, rt.log, rt.cfg.Policy())
	return nil
}

// Close releases the store and the log file.
func (rt *runtime) Close() error {
	err := rt.store.Close()
	rt.log.Close()
	return err
}

// withRuntime adapts a command body that needs the store to cobra's RunE.
func withRuntime(fn func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, rt, args)
	}
}
