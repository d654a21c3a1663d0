package main

import (
	"context"
	"net/http"
	"time"

	"github.com/fentz26/baton/internal/config"
	"github.com/fentz26/baton/internal/controlplane"
	"github.com/fentz26/baton/internal/maintenance"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Start the Baton daemon",
	Long: `Starts the Baton daemon: the operator HTTP API plus the maintenance sweeper that
reclaims stale locks, expires abandoned tasks and re-probes quarantined routes.
Agent processes do not need the daemon; they share the store directly.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	log := rt.log.WithComponent("daemon")
	log.Info("starting baton daemon", "store", rt.store.Path(), "version", Version)

	addr := rt.cfg.Server.Listen
	if listenAddr != "" {
		addr = listenAddr
	}

	sweeper := maintenance.New(rt.locks, rt.queue, rt.router, rt.log, rt.cfg.SweeperConfig())
	server := controlplane.NewServer(rt.svc, addr, Version, rt.log)

	if viper.ConfigFileUsed() != "" {
		config.Watch(func(cfg *config.Config) {
			reload(ctx, rt, sweeper, cfg)
		}, func(err error) {
			log.Error("config reload rejected", "error", err)
		})
	}

	sweeper.Start()

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			sweeper.Stop()
			rt.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	sweeper.Stop()

	log.Info("closing store")
	if err := rt.Close(); err != nil {
		log.Error("store close error", "error", err)
	}
	return nil
}

// reload applies a changed config file. Backends and routes are swapped in
// place; the store path, listen address and classifier need a restart.
func reload(ctx context.Context, rt *runtime, sweeper *maintenance.Sweeper, cfg *config.Config) {
	log := rt.log.WithComponent("daemon")

	backends, err := cfg.BuildBackends()
	if err != nil {
		log.Error("config reload rejected", "error", err)
		return
	}
	rt.router.SetBackends(backends)
	if err := rt.router.Declare(ctx, cfg.RouteDecls()); err != nil {
		log.Error("re-declare routes failed", "error", err)
		return
	}
	rt.svc.SetPolicy(cfg.Policy())
	sweeper.SetConfig(cfg.SweeperConfig())

	if cfg.StorePath() != rt.cfg.StorePath() || cfg.Server.Listen != rt.cfg.Server.Listen {
		log.Warn("store.path and server.listen changes apply after restart")
	}
	log.Info("configuration reloaded", "routes", len(cfg.Routing.Routes), "backends", len(backends))
}
