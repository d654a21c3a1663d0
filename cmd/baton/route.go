package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/baton/internal/config"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Inspect and steer credential routes",
}

var routeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List slots with health and last probe",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runRouteList),
}

var routeProbeCmd = &cobra.Command{
	Use:   "probe [slot]",
	Short: "Probe one slot, or every slot with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withRuntime(runRouteProbe),
}

var routeQuarantineCmd = &cobra.Command{
	Use:   "quarantine [slot]",
	Short: "Take a slot out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runRouteQuarantine),
}

var routeReactivateCmd = &cobra.Command{
	Use:   "reactivate [slot]",
	Short: "Return a quarantined slot to rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runRouteReactivate),
}

var routeOverrideCmd = &cobra.Command{
	Use:   "override [slot] [credential]",
	Short: "Bind a slot to another credential (empty credential restores the configured one)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  withRuntime(runRouteOverride),
}

var routeEmergencyCmd = &cobra.Command{
	Use:   "emergency [class] [slot]",
	Short: "Pin a task class to a slot, bypassing class filters",
	Args:  cobra.ExactArgs(2),
	RunE:  withRuntime(runRouteEmergency),
}

var routeClearCmd = &cobra.Command{
	Use:   "clear [class]",
	Short: "Remove the emergency pin for a task class",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runRouteClear),
}

var routePinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List emergency pins",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runRoutePins),
}

var routeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the current routes as a routing.routes config block",
	Long: `Prints the routes as they stand in the store, operator overrides included, in
the YAML shape of the routing.routes config key.`,
	Args: cobra.NoArgs,
	RunE: withRuntime(runRouteExport),
}

var routeAttemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Show recent backend calls and which credential served them",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runRouteAttempts),
}

var (
	probeAll         bool
	probeQuarantined bool
	changeReason     string
	attemptsLimit    int
)

func init() {
	routeCmd.AddCommand(routeListCmd, routeProbeCmd, routeQuarantineCmd, routeReactivateCmd, routeOverrideCmd,
		routeEmergencyCmd, routeClearCmd, routePinsCmd, routeExportCmd, routeAttemptsCmd)

	routeProbeCmd.Flags().BoolVar(&probeAll, "all", false, "probe every slot concurrently")
	routeProbeCmd.Flags().BoolVar(&probeQuarantined, "quarantined", false, "with --all, probe only quarantined slots")

	for _, c := range []*cobra.Command{routeQuarantineCmd, routeReactivateCmd, routeOverrideCmd, routeEmergencyCmd, routeClearCmd} {
		c.Flags().StringVar(&changeReason, "reason", "", "why, recorded in the audit trail (required)")
	}

	routeAttemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "number of attempts to show")
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: slot must be a number, got %q", errors.ErrInvalidPayload, s)
	}
	return slot, nil
}

func runRouteList(ctx context.Context, rt *runtime, args []string) error {
	routes, err := rt.svc.Routes(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		if routes == nil {
			routes = []models.CredentialRoute{}
		}
		return printJSON(routes)
	}
	if len(routes) == 0 {
		fmt.Println("No routes declared")
		return nil
	}
	w := newTable("SLOT\tPRI\tBACKEND\tCREDENTIAL\tHEALTH\tLAST PROBE\tCHECKED\tREASON")
	for _, r := range routes {
		cred := r.BoundCredential
		if r.Overridden {
			cred += " (override)"
		}
		probe := string(r.LastProbe)
		if probe == "" {
			probe = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n", r.SlotID, r.Priority, r.Backend, cred, r.Health, probe,
			formatTime(r.LastCheckedAt), truncate(r.QuarantineReason, 40))
	}
	return w.Flush()
}

func runRouteProbe(ctx context.Context, rt *runtime, args []string) error {
	var results []routing.ProbeResult
	switch {
	case probeAll:
		res, err := rt.svc.ProbeAll(ctx, probeQuarantined)
		if err != nil {
			return err
		}
		results = res
	case len(args) == 1:
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		res, err := rt.svc.Probe(ctx, slot)
		if err != nil {
			return err
		}
		results = []routing.ProbeResult{res}
	default:
		return fmt.Errorf("give a slot or --all")
	}

	if jsonOut {
		if results == nil {
			results = []routing.ProbeResult{}
		}
		return printJSON(results)
	}
	w := newTable("SLOT\tOUTCOME\tHEALTH\tDETAIL")
	for _, r := range results {
		detail := r.Detail
		if r.Err != "" {
			detail = "error: " + r.Err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.SlotID, r.Outcome, r.Health, truncate(strings.ReplaceAll(detail, "\n", " "), 60))
	}
	return w.Flush()
}

func printRoute(r *models.CredentialRoute) error {
	if jsonOut {
		return printJSON(r)
	}
	fmt.Printf("Slot %d: %s, credential %s\n", r.SlotID, r.Health, r.BoundCredential)
	return nil
}

func runRouteQuarantine(ctx context.Context, rt *runtime, args []string) error {
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	route, err := rt.svc.Quarantine(ctx, slot, actorArg, changeReason)
	if err != nil {
		return err
	}
	return printRoute(route)
}

func runRouteReactivate(ctx context.Context, rt *runtime, args []string) error {
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	route, err := rt.svc.Reactivate(ctx, slot, actorArg, changeReason)
	if err != nil {
		return err
	}
	return printRoute(route)
}

func runRouteOverride(ctx context.Context, rt *runtime, args []string) error {
	slot, err := parseSlot(args[0])
	if err != nil {
		return err
	}
	credential := ""
	if len(args) == 2 {
		credential = args[1]
	}
	route, err := rt.svc.Override(ctx, slot, credential, actorArg, changeReason)
	if err != nil {
		return err
	}
	return printRoute(route)
}

func runRouteEmergency(ctx context.Context, rt *runtime, args []string) error {
	slot, err := parseSlot(args[1])
	if err != nil {
		return err
	}
	if err := rt.svc.EmergencyOverride(ctx, args[0], slot, actorArg, changeReason); err != nil {
		return err
	}
	fmt.Printf("Class %s pinned to slot %d\n", args[0], slot)
	return nil
}

func runRouteClear(ctx context.Context, rt *runtime, args []string) error {
	cleared, err := rt.svc.ClearEmergency(ctx, args[0], actorArg, changeReason)
	if err != nil {
		return err
	}
	if cleared {
		fmt.Printf("Pin for %s cleared\n", args[0])
	} else {
		fmt.Printf("No pin for %s\n", args[0])
	}
	return nil
}

func runRoutePins(ctx context.Context, rt *runtime, args []string) error {
	pins, err := rt.svc.Pins(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		if pins == nil {
			pins = []models.EmergencyPin{}
		}
		return printJSON(pins)
	}
	if len(pins) == 0 {
		fmt.Println("No emergency pins")
		return nil
	}
	w := newTable("CLASS\tSLOT\tACTOR\tSINCE\tREASON")
	for _, p := range pins {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p.Class, p.SlotID, p.Actor, formatTime(&p.CreatedAt), p.Reason)
	}
	return w.Flush()
}

// exportRoutes converts stored routes to their config form.
func exportRoutes(routes []models.CredentialRoute) []config.RouteConfig {
	out := make([]config.RouteConfig, 0, len(routes))
	for _, r := range routes {
		out = append(out, config.RouteConfig{
			Slot:       r.SlotID,
			Priority:   r.Priority,
			Backend:    r.Backend,
			Credential: r.BoundCredential,
			Allow:      r.ClassAllowlist,
			Block:      r.ClassBlocklist,
		})
	}
	return out
}

func runRouteExport(ctx context.Context, rt *runtime, args []string) error {
	routes, err := rt.svc.Routes(ctx)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"routing": map[string]any{"routes": exportRoutes(routes)},
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func runRouteAttempts(ctx context.Context, rt *runtime, args []string) error {
	attempts, err := rt.svc.Attempts(ctx, attemptsLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		if attempts == nil {
			attempts = []models.Attempt{}
		}
		return printJSON(attempts)
	}
	if len(attempts) == 0 {
		fmt.Println("No attempts recorded")
		return nil
	}
	w := newTable("STARTED\tCLASS\tSLOT\tCREDENTIAL\tOUTCOME\tDURATION\tDETAIL")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", formatTime(&a.StartedAt), a.Class, a.SlotID, a.Credential, a.Outcome,
			a.EndedAt.Sub(a.StartedAt).Round(time.Millisecond), truncate(strings.ReplaceAll(a.Detail, "\n", " "), 40))
	}
	return w.Flush()
}
