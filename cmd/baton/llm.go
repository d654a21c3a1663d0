package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fentz26/baton/internal/controlplane"
	"github.com/fentz26/baton/internal/errors"
	"github.com/spf13/cobra"
)

var llmCmd = &cobra.Command{
	Use:   "llm",
	Short: "Run one completion through the credential router",
	Long: `Runs a prompt through the highest priority healthy route for its class.

When the class is in agent mode, or no route can serve it, the work is queued
as a pending task instead: the task id is printed and the command exits with
status 2 so scripts can wait on it with "baton task wait".`,
	Args: cobra.NoArgs,
	RunE: withRuntime(runLLM),
}

var (
	llmClass  string
	llmPrompt string
	llmFormat string
	llmFields []string
	llmSlot   int
	llmRunID  string
)

func init() {
	llmCmd.Flags().StringVar(&llmClass, "class", "", "task class (required)")
	llmCmd.Flags().StringVar(&llmPrompt, "prompt", "", "prompt text (default: read stdin)")
	llmCmd.Flags().StringVar(&llmFormat, "format", "text", "response format: text, json or yaml")
	llmCmd.Flags().StringArrayVar(&llmFields, "field", nil, "required result field as name:type (repeatable)")
	llmCmd.Flags().IntVar(&llmSlot, "slot", 0, "pin the call to one slot")
	llmCmd.Flags().StringVar(&llmRunID, "run", "", "owning pipeline run id")
	llmCmd.MarkFlagRequired("class")
}

func runLLM(ctx context.Context, rt *runtime, args []string) error {
	prompt := llmPrompt
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompt = string(data)
	}

	req := controlplane.LLMRequest{
		Class:      llmClass,
		Prompt:     prompt,
		Format:     parseFormat(llmFormat, llmFields),
		OwnerRunID: llmRunID,
	}
	if llmSlot > 0 {
		slot := llmSlot
		req.Slot = &slot
	}

	res, err := rt.svc.RunLLM(ctx, req)
	var needsTask *controlplane.NeedsTaskError
	if errors.As(err, &needsTask) {
		if jsonOut {
			if perr := printJSON(map[string]any{"needs_task": true, "task": needsTask.Task}); perr != nil {
				return perr
			}
		} else {
			fmt.Println(needsTask.Task.ID)
		}
		return err
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	fmt.Print(res.Output)
	if !strings.HasSuffix(res.Output, "\n") {
		fmt.Println()
	}
	return nil
}
