// Package daemon owns the in-memory task registry and the event fan-out:
// tasks are materialized here, executors run here, and every event flows
// through the persistence layer before reaching subscribers.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coworkos/cowork/internal/agent"
	"github.com/coworkos/cowork/internal/approval"
	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/guard"
	"github.com/coworkos/cowork/internal/identity"
	"github.com/coworkos/cowork/internal/policy"
	"github.com/coworkos/cowork/internal/provider"
	"github.com/coworkos/cowork/internal/sandbox"
	"github.com/coworkos/cowork/internal/skills"
	"github.com/coworkos/cowork/internal/store"
	"github.com/coworkos/cowork/internal/tools"
)

// Options wires the daemon's collaborators.
type Options struct {
	Store      *store.Store
	Config     *config.Config
	Workspaces *config.WorkspaceRegistry
	Provider   provider.Provider
	Runner     sandbox.Runner
	Skills     *skills.Catalog
}

// TaskRequest describes a task submission.
type TaskRequest struct {
	Title          string
	Prompt         string
	WorkspaceID    string
	BudgetTokens   int
	IdempotencyKey string
	// External marks requests from external channels; ContextTag and
	// ContextPolicy attenuate capabilities for them.
	External      bool
	ContextTag    string
	ContextPolicy config.ContextPolicy
}

type taskHandle struct {
	task *store.Task
	exec *agent.Executor
	done chan struct{}
}

// Daemon is the agent daemon.
type Daemon struct {
	st         *store.Store
	cfg        *config.Config
	workspaces *config.WorkspaceRegistry
	prov       provider.Provider
	runner     sandbox.Runner
	skills     *skills.Catalog
	policy     policy.Engine
	gate       *approval.Gate
	bus        *eventBus

	mu      sync.Mutex
	running map[string]*taskHandle

	wakeMu sync.Mutex
	wakes  []map[string]any

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the daemon.
func New(opts Options) *Daemon {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Daemon{
		st:         opts.Store,
		cfg:        cfg,
		workspaces: opts.Workspaces,
		prov:       opts.Provider,
		runner:     opts.Runner,
		skills:     opts.Skills,
		policy:     policy.NewManager(cfg.Tools.ExtraGuardPatterns),
		gate:       approval.NewGate(opts.Store, cfg.Approval.TTL()),
		bus:        newEventBus(),
		running:    make(map[string]*taskHandle),
		stop:       make(chan struct{}),
	}
}

// Gate exposes the approval gate for the control plane and UI.
func (d *Daemon) Gate() *approval.Gate { return d.gate }

// Store exposes the task database.
func (d *Daemon) Store() *store.Store { return d.st }

// Workspaces exposes the workspace registry.
func (d *Daemon) Workspaces() *config.WorkspaceRegistry { return d.workspaces }

// Subscribe attaches a bounded event subscriber.
func (d *Daemon) Subscribe(buffer int) *Subscription {
	return d.bus.subscribe(buffer)
}

// Unsubscribe detaches a subscriber.
func (d *Daemon) Unsubscribe(sub *Subscription) {
	d.bus.unsubscribe(sub)
}

// Emit persists an event synchronously, in order, then fans it out.
func (d *Daemon) Emit(taskID, eventType string, payload any) {
	evt, err := d.st.AppendEvent(taskID, eventType, payload)
	if err != nil {
		slog.Error("Event append failed", "task", taskID, "type", eventType, "error", err)
		return
	}
	d.bus.broadcast(Event{
		TaskID:    evt.TaskID,
		Seq:       evt.Seq,
		Type:      evt.Type,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	})
}

// CreateTask materializes a task and starts its executor. Requests carrying a
// known idempotency key return the existing task.
func (d *Daemon) CreateTask(req TaskRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if existing, err := d.st.GetTaskByIdempotencyKey(req.IdempotencyKey); err == nil && existing != nil {
		return existing, nil
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = config.TempWorkspaceID
	}
	task, err := d.st.CreateTask(&store.Task{
		Title:          req.Title,
		Prompt:         req.Prompt,
		WorkspaceID:    workspaceID,
		BudgetTokens:   req.BudgetTokens,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	d.startExecutor(task, req)
	return task, nil
}

func (d *Daemon) startExecutor(task *store.Task, req TaskRequest) {
	ws := agent.WorkspaceForTask(d.workspaces, task.WorkspaceID)
	if !ws.IsTemp {
		d.workspaces.Touch(ws.ID)
	}

	exec := agent.New(agent.Options{
		Task:       task,
		Workspace:  ws,
		Workspaces: d.workspaces,
		Provider:   d.prov,
		Policy:     d.policy,
		Gate:       d.gate,
		Registry:   d.buildRegistry(task, ws),
		Store:      d.st,
		Sink:       d,
		Config:     d.cfg,
		PolicyContext: policy.Context{
			External:       req.External,
			MessageContext: req.ContextTag,
			ContextPolicy:  req.ContextPolicy,
		},
		SystemPrompt: d.systemPrompt(ws),
		RebuildRegistry: func(next config.Workspace) *tools.Registry {
			return d.buildRegistry(task, next)
		},
	})

	h := &taskHandle{task: task, exec: exec, done: make(chan struct{})}
	d.mu.Lock()
	d.running[task.ID] = h
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(h.done)
		exec.Run(context.Background())
		d.mu.Lock()
		delete(d.running, task.ID)
		d.mu.Unlock()
	}()
}

func (d *Daemon) systemPrompt(ws config.Workspace) string {
	prompt := identity.SystemPrompt(ws.Path)
	if d.skills != nil {
		for _, g := range d.skills.Guidelines() {
			prompt += "\n\n" + g
		}
	}
	return prompt
}

// buildRegistry assembles the per-task tool catalog: file tools bound to the
// task's workspace guard, the sandboxed shell tool, sub-agent control tools
// and task skills.
func (d *Daemon) buildRegistry(task *store.Task, ws config.Workspace) *tools.Registry {
	g := guard.NewPathGuard(ws)
	reg := tools.NewRegistry()

	observe := func(rec tools.FileWriteRecord) {
		_, _ = d.st.InsertArtifact(&store.Artifact{
			TaskID:    task.ID,
			Path:      rec.Path,
			MimeType:  rec.MimeType,
			SHA256:    rec.SHA256,
			SizeBytes: rec.SizeBytes,
		})
		eventType := store.EventFileModified
		if rec.Created {
			eventType = store.EventFileCreated
		}
		d.Emit(task.ID, eventType, map[string]any{"path": rec.Path, "size": rec.SizeBytes})
	}

	reg.Register(&tools.ReadFileTool{Guard: g})
	reg.Register(&tools.WriteFileTool{Guard: g, Observe: observe})
	reg.Register(&tools.EditFileTool{Guard: g, Observe: observe})
	reg.Register(&tools.ListDirTool{Guard: g})
	reg.Register(&tools.DeleteFileTool{Guard: g})
	reg.Register(&tools.BulkRenameTool{Guard: g, Observe: observe, Threshold: d.cfg.Tools.BulkRenameThreshold})
	if d.runner != nil {
		reg.Register(&tools.ShellTool{
			Runner:    d.runner,
			Workspace: ws,
			Timeout:   time.Duration(d.cfg.Tools.ShellTimeoutSeconds) * time.Second,
			OutputCap: d.cfg.Tools.OutputCapBytes,
		})
	}

	taskID := func() string { return task.ID }
	reg.Register(&tools.SpawnAgentTool{Controller: d, TaskID: taskID})
	reg.Register(&tools.SendAgentMessageTool{Controller: d, TaskID: taskID})
	reg.Register(&tools.WaitForAgentTool{Controller: d, TaskID: taskID})
	reg.Register(&tools.CaptureAgentEventsTool{Controller: d, TaskID: taskID})

	if d.skills != nil {
		for _, s := range d.skills.TaskSkills() {
			reg.Register(skills.NewSkillTool(s))
		}
	}
	return reg
}

// CancelTask cancels a running task cooperatively. Idempotent.
func (d *Daemon) CancelTask(taskID string) error {
	d.mu.Lock()
	h, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		task, err := d.st.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		if store.TerminalStatus(task.Status) {
			return nil
		}
		// Task known but no executor (e.g. restart): record the terminal state.
		_ = d.st.UpdateTaskStatus(taskID, store.TaskCancelled, "")
		d.Emit(taskID, store.EventTaskCancelled, nil)
		return nil
	}
	h.exec.Cancel()
	return nil
}

// SendMessage injects a user message into a running task.
func (d *Daemon) SendMessage(taskID, content string) error {
	d.mu.Lock()
	h, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("task not running: %s", taskID)
	}
	h.exec.SendUserMessage(content)
	return nil
}

// ListTasks proxies the store.
func (d *Daemon) ListTasks(status string, limit, offset int) ([]store.Task, error) {
	return d.st.ListTasks(status, limit, offset)
}

// GetTaskEvents proxies the store for reconciliation after gap markers.
func (d *Daemon) GetTaskEvents(taskID string, afterSeq int64) ([]store.TaskEvent, error) {
	return d.st.GetEvents(taskID, afterSeq)
}

// UpdateTaskWorkspace rebinds a task to another workspace.
func (d *Daemon) UpdateTaskWorkspace(taskID, workspaceID string) error {
	if _, ok := d.workspaces.Get(workspaceID); !ok {
		return fmt.Errorf("workspace not found: %s", workspaceID)
	}
	return d.st.UpdateTaskWorkspace(taskID, workspaceID)
}

// WaitTask blocks until a task's executor finishes (tests, CLI one-shot).
func (d *Daemon) WaitTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	h, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Sub-agent control (tools.AgentController)
// ---------------------------------------------------------------------------

// SpawnChild creates a child task under a parent, bounded by the configured
// depth.
func (d *Daemon) SpawnChild(ctx context.Context, parentTaskID, title, prompt string) (string, error) {
	parent, err := d.st.GetTask(parentTaskID)
	if err != nil {
		return "", fmt.Errorf("parent task not found: %s", parentTaskID)
	}
	if parent.Depth+1 > d.cfg.Tools.MaxSubtaskDepth {
		return "", fmt.Errorf("max subtask depth reached (%d)", d.cfg.Tools.MaxSubtaskDepth)
	}
	task, err := d.st.CreateTask(&store.Task{
		Title:        title,
		Prompt:       prompt,
		WorkspaceID:  parent.WorkspaceID,
		ParentTaskID: parent.ID,
		Depth:        parent.Depth + 1,
	})
	if err != nil {
		return "", err
	}
	d.startExecutor(task, TaskRequest{})
	return task.ID, nil
}

// isDescendant walks the parentTaskId chain from target up to parent.
func (d *Daemon) isDescendant(parentTaskID, targetTaskID string) bool {
	if parentTaskID == "" || targetTaskID == "" || parentTaskID == targetTaskID {
		return false
	}
	current := targetTaskID
	for i := 0; i < 32; i++ {
		task, err := d.st.GetTask(current)
		if err != nil || task.ParentTaskID == "" {
			return false
		}
		if task.ParentTaskID == parentTaskID {
			return true
		}
		current = task.ParentTaskID
	}
	return false
}

// SendAgentMessage delivers a message to a descendant task. Non-descendant
// targets return FORBIDDEN without side effects.
func (d *Daemon) SendAgentMessage(parentTaskID, targetTaskID, message string) error {
	if !d.isDescendant(parentTaskID, targetTaskID) {
		return tools.ErrForbidden
	}
	return d.SendMessage(targetTaskID, message)
}

// WaitForAgent blocks until a descendant task finishes and returns its
// terminal status.
func (d *Daemon) WaitForAgent(ctx context.Context, parentTaskID, targetTaskID string) (string, error) {
	if !d.isDescendant(parentTaskID, targetTaskID) {
		return "", tools.ErrForbidden
	}
	if err := d.WaitTask(ctx, targetTaskID); err != nil {
		return "", err
	}
	task, err := d.st.GetTask(targetTaskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// CaptureAgentEvents returns a descendant task's event stream.
func (d *Daemon) CaptureAgentEvents(parentTaskID, targetTaskID string, afterSeq int64) ([]store.TaskEvent, error) {
	if !d.isDescendant(parentTaskID, targetTaskID) {
		return nil, tools.ErrForbidden
	}
	return d.st.GetEvents(targetTaskID, afterSeq)
}

// ---------------------------------------------------------------------------
// Wake queue + heartbeat
// ---------------------------------------------------------------------------

// Wake enqueues a free-form wake event. Mode "now" broadcasts immediately;
// "next-heartbeat" delivers on the next heartbeat tick.
func (d *Daemon) Wake(mode string, payload map[string]any) {
	if mode == "next-heartbeat" {
		d.wakeMu.Lock()
		d.wakes = append(d.wakes, payload)
		d.wakeMu.Unlock()
		return
	}
	d.bus.broadcast(Event{Type: "wake", Timestamp: time.Now(), Payload: mustJSON(payload)})
}

func (d *Daemon) flushWakes() {
	d.wakeMu.Lock()
	pending := d.wakes
	d.wakes = nil
	d.wakeMu.Unlock()
	for _, payload := range pending {
		d.bus.broadcast(Event{Type: "wake", Timestamp: time.Now(), Payload: mustJSON(payload)})
	}
}

// Start launches the heartbeat loop: queued wakes are flushed, expired
// approvals resolve as timed_out, and expired pairing state is swept.
func (d *Daemon) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				now := time.Now()
				d.flushWakes()
				d.gate.SweepExpired(now)
				_ = d.st.ExpirePairingRecords(now)
				_ = d.st.SweepPairingBans(now)
			}
		}
	}()
}

// Shutdown stops the heartbeat and waits for executors to finish.
func (d *Daemon) Shutdown() {
	close(d.stop)
	d.mu.Lock()
	for _, h := range d.running {
		h.exec.Cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func mustJSON(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
