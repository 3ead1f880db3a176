package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coworkos/cowork/internal/policy"
	"github.com/coworkos/cowork/internal/store"
)

// ErrForbidden is returned when a sub-agent control tool targets a task that
// is not a descendant of the caller.
var ErrForbidden = errors.New("FORBIDDEN")

// AgentController is the daemon surface the sub-agent control tools use.
// Implementations enforce the descendant-only invariant: a parent may only
// address tasks whose parentTaskId chain terminates at itself.
type AgentController interface {
	SpawnChild(ctx context.Context, parentTaskID, title, prompt string) (string, error)
	SendAgentMessage(parentTaskID, targetTaskID, message string) error
	WaitForAgent(ctx context.Context, parentTaskID, targetTaskID string) (string, error)
	CaptureAgentEvents(parentTaskID, targetTaskID string, afterSeq int64) ([]store.TaskEvent, error)
}

// SpawnAgentTool starts a child task under the calling task.
type SpawnAgentTool struct {
	Controller AgentController
	TaskID     func() string
}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }
func (t *SpawnAgentTool) Description() string {
	return "Spawn a child agent task working on a sub-goal. Returns the child task id."
}

func (t *SpawnAgentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":  map[string]any{"type": "string", "description": "Short title for the child task"},
			"prompt": map[string]any{"type": "string", "description": "The child task's goal"},
		},
		"required": []string{"prompt"},
	}
}

func (t *SpawnAgentTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{Tool: t.Name(), Risk: policy.RiskWrite}
}

func (t *SpawnAgentTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	prompt := GetString(params, "prompt", "")
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	childID, err := t.Controller.SpawnChild(ctx, t.TaskID(), GetString(params, "title", ""), prompt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Spawned child task %s", childID), nil
}

// SendAgentMessageTool injects a user-role message into a descendant task.
type SendAgentMessageTool struct {
	Controller AgentController
	TaskID     func() string
}

func (t *SendAgentMessageTool) Name() string { return "send_agent_message" }
func (t *SendAgentMessageTool) Description() string {
	return "Send a message to a running child agent task. Only descendants of this task may be addressed."
}

func (t *SendAgentMessageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_task_id": map[string]any{"type": "string"},
			"message":        map[string]any{"type": "string"},
		},
		"required": []string{"target_task_id", "message"},
	}
}

func (t *SendAgentMessageTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{Tool: t.Name(), Risk: policy.RiskWrite}
}

func (t *SendAgentMessageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	target := GetString(params, "target_task_id", "")
	err := t.Controller.SendAgentMessage(t.TaskID(), target, GetString(params, "message", ""))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Message delivered to %s", target), nil
}

// WaitForAgentTool blocks until a descendant task reaches a terminal state.
type WaitForAgentTool struct {
	Controller AgentController
	TaskID     func() string
}

func (t *WaitForAgentTool) Name() string { return "wait_for_agent" }
func (t *WaitForAgentTool) Description() string {
	return "Wait for a child agent task to finish and return its terminal status."
}

func (t *WaitForAgentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_task_id": map[string]any{"type": "string"},
		},
		"required": []string{"target_task_id"},
	}
}

func (t *WaitForAgentTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{Tool: t.Name(), Risk: policy.RiskRead}
}

func (t *WaitForAgentTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	target := GetString(params, "target_task_id", "")
	status, err := t.Controller.WaitForAgent(ctx, t.TaskID(), target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s finished with status %s", target, status), nil
}

// CaptureAgentEventsTool fetches a descendant task's event stream.
type CaptureAgentEventsTool struct {
	Controller AgentController
	TaskID     func() string
}

func (t *CaptureAgentEventsTool) Name() string { return "capture_agent_events" }
func (t *CaptureAgentEventsTool) Description() string {
	return "Fetch the event log of a child agent task, optionally after a sequence number."
}

func (t *CaptureAgentEventsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_task_id": map[string]any{"type": "string"},
			"after_seq":      map[string]any{"type": "number"},
		},
		"required": []string{"target_task_id"},
	}
}

func (t *CaptureAgentEventsTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{Tool: t.Name(), Risk: policy.RiskRead}
}

func (t *CaptureAgentEventsTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	target := GetString(params, "target_task_id", "")
	events, err := t.Controller.CaptureAgentEvents(t.TaskID(), target, int64(GetInt(params, "after_seq", 0)))
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
