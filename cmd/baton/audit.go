package main

import (
	"context"
	"fmt"

	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/store"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail, newest first",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runAudit),
}

var (
	auditAction  string
	auditSubject string
	auditLimit   int
)

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action prefix, e.g. route. or task.complete")
	auditCmd.Flags().StringVar(&auditSubject, "subject", "", "filter by subject (task id, scope or slot)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries to show")
}

func runAudit(ctx context.Context, rt *runtime, args []string) error {
	entries, err := rt.svc.Audit(ctx, store.AuditQuery{
		ActionPrefix: auditAction,
		Subject:      auditSubject,
		Limit:        auditLimit,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		if entries == nil {
			entries = []models.AuditEntry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	w := newTable("TIME\tACTION\tACTOR\tSUBJECT\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", formatTime(&e.Timestamp), e.Action, e.Actor,
			truncate(e.Subject, 24), e.Outcome, truncate(e.Details, 50))
	}
	return w.Flush()
}
