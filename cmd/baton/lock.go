package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/baton/internal/models"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire, release and inspect scope locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire [scope]",
	Short: "Acquire a lock and print its handle",
	Long: `Acquires scope for --holder and prints the handle as JSON. The lock lives in the
shared store, so it outlives this command; release it with "baton lock release"
or let its TTL run out.`,
	Args: cobra.ExactArgs(1),
	RunE: withRuntime(runLockAcquire),
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew [scope] [lock-id]",
	Short: "Extend a held lock",
	Args:  cobra.ExactArgs(2),
	RunE:  withRuntime(runLockRenew),
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [scope] [lock-id]",
	Short: "Release a held lock",
	Args:  cobra.ExactArgs(2),
	RunE:  withRuntime(runLockRelease),
}

var lockHoldersCmd = &cobra.Command{
	Use:   "holders [scope]",
	Short: "List live locks overlapping a scope (all when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withRuntime(runLockHolders),
}

var lockReclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Delete expired locks",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runLockReclaim),
}

var (
	lockHolder string
	lockMode   string
	lockTTL    time.Duration
	lockWait   time.Duration
	lockPoll   time.Duration
)

func init() {
	lockCmd.AddCommand(lockAcquireCmd, lockRenewCmd, lockReleaseCmd, lockHoldersCmd, lockReclaimCmd)

	for _, c := range []*cobra.Command{lockAcquireCmd, lockRenewCmd, lockReleaseCmd} {
		c.Flags().StringVar(&lockHolder, "holder", "", "holder id, usually the agent process (required)")
		c.MarkFlagRequired("holder")
		c.Flags().StringVar(&lockMode, "mode", string(models.LockExclusive), "exclusive or shared")
	}
	for _, c := range []*cobra.Command{lockAcquireCmd, lockRenewCmd} {
		c.Flags().DurationVar(&lockTTL, "ttl", 0, "lock lifetime (default locks.default_ttl, negative never expires)")
	}
	lockAcquireCmd.Flags().DurationVar(&lockWait, "wait", 0, "keep retrying for this long while the scope is busy")
	lockAcquireCmd.Flags().DurationVar(&lockPoll, "poll", time.Second, "retry interval with --wait")
}

func handleFromArgs(args []string) models.LockHandle {
	return models.LockHandle{ID: args[1], Scope: args[0], Holder: lockHolder, Mode: models.LockMode(lockMode)}
}

func runLockAcquire(ctx context.Context, rt *runtime, args []string) error {
	mode := models.LockMode(lockMode)
	var (
		h   models.LockHandle
		err error
	)
	if lockWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, lockWait)
		defer cancel()
		h, err = rt.svc.WaitLock(waitCtx, args[0], lockHolder, mode, lockTTL, lockPoll)
	} else {
		h, err = rt.svc.RequestLock(ctx, args[0], lockHolder, mode, lockTTL)
	}
	if err != nil {
		return err
	}
	return printJSON(h)
}

func runLockRenew(ctx context.Context, rt *runtime, args []string) error {
	rec, err := rt.svc.RenewLock(ctx, handleFromArgs(args), lockTTL)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rec)
	}
	fmt.Printf("Renewed %s until %s\n", rec.Scope, formatTime(rec.ExpiresAt))
	return nil
}

func runLockRelease(ctx context.Context, rt *runtime, args []string) error {
	if err := rt.svc.ReleaseLock(ctx, handleFromArgs(args)); err != nil {
		return err
	}
	if !jsonOut {
		fmt.Printf("Released %s\n", args[0])
	}
	return nil
}

func runLockHolders(ctx context.Context, rt *runtime, args []string) error {
	scope := ""
	if len(args) == 1 {
		scope = args[0]
	}
	locks, err := rt.svc.Holders(ctx, scope)
	if err != nil {
		return err
	}
	if jsonOut {
		if locks == nil {
			locks = []models.LockRecord{}
		}
		return printJSON(locks)
	}
	if len(locks) == 0 {
		fmt.Println("No locks held")
		return nil
	}
	w := newTable("SCOPE\tHOLDER\tMODE\tACQUIRED\tEXPIRES\tID")
	for _, l := range locks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", l.Scope, l.Holder, l.Mode, formatTime(&l.AcquiredAt), formatTime(l.ExpiresAt), l.ID)
	}
	return w.Flush()
}

func runLockReclaim(ctx context.Context, rt *runtime, args []string) error {
	reclaimed, err := rt.svc.ReclaimStaleLocks(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		if reclaimed == nil {
			reclaimed = []models.LockRecord{}
		}
		return printJSON(reclaimed)
	}
	for _, l := range reclaimed {
		fmt.Printf("reclaimed %s from %s\n", l.Scope, l.Holder)
	}
	fmt.Printf("%d locks reclaimed\n", len(reclaimed))
	return nil
}
