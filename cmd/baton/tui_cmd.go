package main

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/baton/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the operator console",
	Long: `Opens the interactive operator console against the daemon at --api.
If no daemon answers there, one is started in the background first.`,
	Args: cobra.NoArgs,
	RunE: runTUI,
}

var noStart bool

func init() {
	tuiCmd.Flags().BoolVar(&noStart, "no-start", false, "fail instead of starting a daemon")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		if noStart {
			return fmt.Errorf("no daemon at %s", apiAddr)
		}
		fmt.Println("Baton daemon not running. Starting background service...")
		if err := startDaemon(apiAddr); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(addr string) bool {
	ok, err := tui.NewClient(addr).CheckHealth()
	return err == nil && ok
}

// daemonArgs builds the "serve" invocation that listens where addr points.
func daemonArgs(addr string) ([]string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid API address %q", addr)
	}
	args := []string{"serve", "--listen", u.Host}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return args, nil
}

func startDaemon(addr string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args, err := daemonArgs(addr)
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	// The daemon logs to its own file; keep it off the console.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(addr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", addr)
}
