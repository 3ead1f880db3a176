package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coworkos/cowork/internal/daemon"
	"github.com/coworkos/cowork/internal/store"
)

var (
	taskWorkspaceID string
	taskBudget      int
)

var taskCmd = &cobra.Command{
	Use:   "task [prompt]",
	Short: "Run a single task to completion and print its events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTask,
}

func init() {
	taskCmd.Flags().StringVarP(&taskWorkspaceID, "workspace", "w", "", "workspace id")
	taskCmd.Flags().IntVar(&taskBudget, "budget", 0, "token budget for the task")
}

func runTask(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sub := rt.daemon.Subscribe(256)
	defer rt.daemon.Unsubscribe(sub)

	task, err := rt.daemon.CreateTask(daemon.TaskRequest{
		Prompt:       args[0],
		WorkspaceID:  taskWorkspaceID,
		BudgetTokens: taskBudget,
	})
	if err != nil {
		return err
	}
	cmd.Printf("task %s\n", task.ID)

	go func() {
		for evt := range sub.C {
			if evt.TaskID != task.ID {
				continue
			}
			printEvent(cmd, evt)
		}
	}()

	if err := rt.daemon.WaitTask(ctx, task.ID); err != nil {
		_ = rt.daemon.CancelTask(task.ID)
		return err
	}

	final, err := rt.st.GetTask(task.ID)
	if err != nil {
		return err
	}
	switch final.Status {
	case store.TaskCompleted:
		color.Green("completed")
	case store.TaskCancelled:
		color.Yellow("cancelled")
	default:
		color.Red("%s: %s", final.Status, final.Error)
		return fmt.Errorf("task %s", final.Status)
	}
	return nil
}

func printEvent(cmd *cobra.Command, evt daemon.Event) {
	switch evt.Type {
	case store.EventAssistantMessage:
		var payload struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(evt.Payload, &payload)
		cmd.Println(payload.Content)
	case store.EventToolCall, store.EventToolResult, store.EventApprovalRequested:
		cmd.Printf("[%s] %s\n", evt.Type, string(evt.Payload))
	}
}
