package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/taskqueue"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage pending tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a task for an operator",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runTaskAdd),
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runTaskList),
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runTaskShow),
}

var taskBundleCmd = &cobra.Command{
	Use:   "bundle [task-id]",
	Short: "Take a pending task and print its bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runTaskBundle),
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id] [result]",
	Short: "Submit the result for a task",
	Long: `Submits the result for a task. The result comes from the second argument,
--file, or stdin when neither is given. It must match the task's response format;
a malformed result fails the task.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: withRuntime(runTaskComplete),
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Wait until a task finishes and print its result",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runTaskWait),
}

var taskExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire tasks older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runTaskExpire),
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue [task-id]",
	Short: "Enqueue a fresh copy of a failed or expired task",
	Args:  cobra.ExactArgs(1),
	RunE:  withRuntime(runTaskRequeue),
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status",
	Args:  cobra.NoArgs,
	RunE:  withRuntime(runTaskStats),
}

var (
	taskClass        string
	taskInstructions []string
	taskContext      []string
	taskFormat       string
	taskFields       []string
	taskRunID        string
	taskStatus       string
	resultFile       string
	waitInterval     time.Duration
	waitTimeout      time.Duration
	expireAge        time.Duration
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskBundleCmd, taskCompleteCmd,
		taskWaitCmd, taskExpireCmd, taskRequeueCmd, taskStatsCmd)

	taskAddCmd.Flags().StringVar(&taskClass, "class", "", "task class, e.g. script_summary (required)")
	taskAddCmd.Flags().StringArrayVar(&taskInstructions, "instruction", nil, "instruction block (repeatable)")
	taskAddCmd.Flags().StringArrayVar(&taskContext, "context", nil, "context block (repeatable)")
	taskAddCmd.Flags().StringVar(&taskFormat, "format", "text", "response format: text, json or yaml")
	taskAddCmd.Flags().StringArrayVar(&taskFields, "field", nil, "required result field as name:type (repeatable)")
	taskAddCmd.Flags().StringVar(&taskRunID, "run", "", "owning pipeline run id")
	taskAddCmd.MarkFlagRequired("class")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status (pending, bundled, completed, failed, expired)")
	taskListCmd.Flags().StringVar(&taskClass, "class", "", "filter by class prefix")

	taskCompleteCmd.Flags().StringVar(&resultFile, "file", "", "read the result from a file")

	taskWaitCmd.Flags().DurationVar(&waitInterval, "interval", 5*time.Second, "poll interval")
	taskWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "give up after this long (0 waits forever)")

	taskExpireCmd.Flags().DurationVar(&expireAge, "max-age", 0, "age after which tasks expire (default tasks.max_age)")
}

func buildPayload() (models.Payload, error) {
	var p models.Payload
	for _, s := range taskInstructions {
		p.Blocks = append(p.Blocks, models.Block{Role: "instruction", Content: s})
	}
	for _, s := range taskContext {
		p.Blocks = append(p.Blocks, models.Block{Role: "context", Content: s})
	}
	p.ResponseFormat = parseFormat(taskFormat, taskFields)
	return p, taskqueue.ValidatePayload(p)
}

// parseFormat builds a response format from --format and name:type fields.
func parseFormat(kind string, fields []string) models.ResponseFormat {
	rf := models.ResponseFormat{Kind: models.FormatKind(kind)}
	if len(fields) > 0 {
		rf.Fields = make(map[string]string, len(fields))
		for _, f := range fields {
			name, typ, ok := strings.Cut(f, ":")
			if !ok {
				typ = "any"
			}
			rf.Fields[strings.TrimSpace(name)] = strings.TrimSpace(typ)
		}
	}
	return rf
}

func runTaskAdd(ctx context.Context, rt *runtime, args []string) error {
	payload, err := buildPayload()
	if err != nil {
		return err
	}
	task, err := rt.svc.Enqueue(ctx, taskClass, payload, taskRunID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}
	fmt.Println(task.ID)
	return nil
}

func runTaskList(ctx context.Context, rt *runtime, args []string) error {
	filter := models.TaskFilter{ClassPrefix: taskClass, Status: models.TaskStatus(taskStatus)}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", errors.ErrInvalidPayload, taskStatus)
	}

	if jsonOut {
		tasks, err := rt.svc.ListTasks(ctx, filter)
		if err != nil {
			return err
		}
		if tasks == nil {
			tasks = []models.Task{}
		}
		return printJSON(tasks)
	}

	// Stream pages so long queues print without loading everything.
	w := newTable("ID\tCLASS\tSTATUS\tRUN\tCREATED")
	n := 0
	for t, err := range rt.queue.List(ctx, filter) {
		if err != nil {
			w.Flush()
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(t.ID), truncate(t.Class, 32), t.Status, t.OwnerRunID, formatTime(&t.CreatedAt))
		n++
	}
	if n == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	return w.Flush()
}

func runTaskShow(ctx context.Context, rt *runtime, args []string) error {
	task, err := rt.svc.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}

	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Class:     %s\n", task.Class)
	fmt.Printf("Status:    %s\n", task.Status)
	if task.OwnerRunID != "" {
		fmt.Printf("Run:       %s\n", task.OwnerRunID)
	}
	if task.Supersedes != "" {
		fmt.Printf("Supersedes: %s\n", task.Supersedes)
	}
	fmt.Printf("Created:   %s\n", formatTime(&task.CreatedAt))
	fmt.Printf("Bundled:   %s\n", formatTime(task.BundledAt))
	fmt.Printf("Finished:  %s\n", formatTime(task.CompletedAt))
	if task.Error != "" {
		fmt.Printf("Error:     %s\n", task.Error)
	}
	fmt.Println("\n--- BUNDLE ---")
	fmt.Println(taskqueue.RenderBundle(task))
	if task.Result != "" {
		fmt.Println("\n--- RESULT ---")
		fmt.Println(task.Result)
	}
	return nil
}

func runTaskBundle(ctx context.Context, rt *runtime, args []string) error {
	task, err := rt.svc.Bundle(ctx, args[0], actorArg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}
	fmt.Println(taskqueue.RenderBundle(task))
	return nil
}

func readResult(args []string) (string, error) {
	switch {
	case len(args) > 1:
		return args[1], nil
	case resultFile != "":
		data, err := os.ReadFile(resultFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func runTaskComplete(ctx context.Context, rt *runtime, args []string) error {
	result, err := readResult(args)
	if err != nil {
		return err
	}
	task, err := rt.svc.Submit(ctx, args[0], result, actorArg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}
	fmt.Printf("Task %s %s\n", task.ID, task.Status)
	return nil
}

func runTaskWait(ctx context.Context, rt *runtime, args []string) error {
	if waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitTimeout)
		defer cancel()
	}

	task, err := waitForTask(ctx, rt.svc.GetTask, args[0], waitInterval)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}
	switch task.Status {
	case models.TaskStatusCompleted:
		fmt.Println(task.Result)
		return nil
	case models.TaskStatusFailed:
		return fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	default:
		return fmt.Errorf("task %s %s", task.ID, task.Status)
	}
}

// waitForTask polls until the task is terminal. Each sleep is jittered by
// up to a quarter of interval so many waiting scripts do not poll in step.
func waitForTask(ctx context.Context, get func(context.Context, string) (*models.Task, error), id string, interval time.Duration) (*models.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		task, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		sleep := interval + time.Duration(rand.Int64N(int64(interval)/4+1))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s (still %s): %w", id, task.Status, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func runTaskExpire(ctx context.Context, rt *runtime, args []string) error {
	expired, err := rt.svc.ExpireOverdue(ctx, expireAge)
	if err != nil {
		return err
	}
	if jsonOut {
		if expired == nil {
			expired = []models.Task{}
		}
		return printJSON(expired)
	}
	for _, t := range expired {
		fmt.Printf("expired %s (%s)\n", t.ID, t.Class)
	}
	fmt.Printf("%d tasks expired\n", len(expired))
	return nil
}

func runTaskRequeue(ctx context.Context, rt *runtime, args []string) error {
	task, err := rt.svc.Requeue(ctx, args[0], actorArg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(task)
	}
	fmt.Println(task.ID)
	return nil
}

func runTaskStats(ctx context.Context, rt *runtime, args []string) error {
	stats, err := rt.svc.QueueStats(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}
	w := newTable("PENDING\tBUNDLED\tCOMPLETED\tFAILED\tEXPIRED\tTOTAL")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", stats.Pending, stats.Bundled, stats.Completed, stats.Failed, stats.Expired, stats.Total)
	return w.Flush()
}
