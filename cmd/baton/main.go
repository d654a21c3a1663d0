package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/baton/internal/config"
	"github.com/fentz26/baton/internal/errors"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes. Scripts branch on these.
const (
	exitError     = 1
	exitNeedsTask = 2
	exitCorrupt   = 3
)

var rootCmd = &cobra.Command{
	Use:   "baton",
	Short: "Baton - coordination layer for agent processes",
	Long: `Baton coordinates independent agent processes working on one shared workspace:
hierarchical scope locks, a pending task queue for LLM work handed to an operator,
and a credential router that moves calls off accounts that stopped working.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return config.Init(cfgFile)
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	cfgFile  string
	apiAddr  string
	jsonOut  bool
	actorArg string
)

func init() {
	hostname, _ := os.Hostname()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.ConfigFile()+")")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address (tui only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of tables")
	rootCmd.PersistentFlags().StringVar(&actorArg, "actor", fmt.Sprintf("cli@%s", hostname), "actor recorded in the audit trail")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.IsFatal(err):
		return exitCorrupt
	case errors.Is(err, errors.ErrNeedsTask):
		return exitNeedsTask
	default:
		return exitError
	}
}
