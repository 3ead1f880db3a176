// Package agent implements the task executor: the plan-execute-observe loop
// that drives a task to a terminal outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coworkos/cowork/internal/approval"
	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/policy"
	"github.com/coworkos/cowork/internal/provider"
	"github.com/coworkos/cowork/internal/store"
	"github.com/coworkos/cowork/internal/tools"
)

// EventSink receives executor events. The daemon persists them in order and
// fans them out to subscribers.
type EventSink interface {
	Emit(taskID, eventType string, payload any)
}

// Options configures one executor instance. A task exclusively owns its
// executor; the executor borrows the workspace.
type Options struct {
	Task       *store.Task
	Workspace  config.Workspace
	Workspaces *config.WorkspaceRegistry
	Provider   provider.Provider
	Policy     policy.Engine
	Gate       *approval.Gate
	Registry   *tools.Registry
	Store      *store.Store
	Sink       EventSink
	Config     *config.Config
	// PolicyContext carries the request origin (internal vs external channel)
	// and its context attenuation.
	PolicyContext policy.Context
	// SystemPrompt is the identity + personality + guidelines section.
	SystemPrompt string
	// DisableAutoSwitch turns off the workspace auto-switch product policy.
	DisableAutoSwitch bool
	// RebuildRegistry, when set, replaces the tool registry after a
	// workspace auto-switch so file tools guard the new workspace.
	RebuildRegistry func(ws config.Workspace) *tools.Registry
}

// Executor runs one task.
type Executor struct {
	task       *store.Task
	ws         config.Workspace
	workspaces *config.WorkspaceRegistry
	prov       provider.Provider
	policy     policy.Engine
	gate       *approval.Gate
	registry   *tools.Registry
	st         *store.Store
	sink       EventSink
	cfg        *config.Config
	pctx       policy.Context
	sysPrompt  string
	noSwitch   bool
	rebuild    func(ws config.Workspace) *tools.Registry

	cancel    context.CancelFunc
	cancelMu  sync.Mutex
	cancelled bool

	injectMu  sync.Mutex
	injected  []string
	injectCh  chan struct{}
	preflight bool // acknowledged / passed
}

// New creates an executor for a task.
func New(opts Options) *Executor {
	return &Executor{
		task:       opts.Task,
		ws:         opts.Workspace,
		workspaces: opts.Workspaces,
		prov:       opts.Provider,
		policy:     opts.Policy,
		gate:       opts.Gate,
		registry:   opts.Registry,
		st:         opts.Store,
		sink:       opts.Sink,
		cfg:        opts.Config,
		pctx:       opts.PolicyContext,
		sysPrompt:  opts.SystemPrompt,
		noSwitch:   opts.DisableAutoSwitch,
		rebuild:    opts.RebuildRegistry,
		injectCh:   make(chan struct{}, 1),
	}
}

// Cancel requests cooperative cancellation. Idempotent.
func (e *Executor) Cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelled {
		return
	}
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
}

// SendUserMessage injects a user message; it is appended to the thread at the
// next loop boundary and wakes an awaiting_input suspension.
func (e *Executor) SendUserMessage(content string) {
	e.injectMu.Lock()
	e.injected = append(e.injected, content)
	e.injectMu.Unlock()
	select {
	case e.injectCh <- struct{}{}:
	default:
	}
}

func (e *Executor) drainInjected() []string {
	e.injectMu.Lock()
	defer e.injectMu.Unlock()
	out := e.injected
	e.injected = nil
	return out
}

func (e *Executor) emit(eventType string, payload any) {
	if e.sink != nil {
		e.sink.Emit(e.task.ID, eventType, payload)
	}
}

func (e *Executor) setStatus(status, errText string) {
	e.task.Status = status
	_ = e.st.UpdateTaskStatus(e.task.ID, status, errText)
}

// Run drives the task to a terminal state. It always records exactly one
// terminal event, even on internal failure.
func (e *Executor) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancelMu.Lock()
	e.cancel = cancel
	if e.cancelled {
		cancel()
	}
	e.cancelMu.Unlock()
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Executor panic", "task", e.task.ID, "panic", r)
			e.terminate(store.TaskFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	e.setStatus(store.TaskPlanning, "")
	e.emit(store.EventPlanCreated, map[string]string{"prompt": truncate(e.task.Prompt, 500)})

	if !e.runPreflight(ctx) {
		return // preflight already terminated the task
	}

	e.setStatus(store.TaskExecuting, "")
	e.runLoop(ctx)
}

// terminate records the terminal status + the single terminal event.
func (e *Executor) terminate(status, errText string) {
	e.setStatus(status, errText)
	switch status {
	case store.TaskCompleted:
		e.emit(store.EventTaskCompleted, nil)
	case store.TaskCancelled:
		e.emit(store.EventTaskCancelled, nil)
	default:
		e.emit(store.EventTaskFailed, map[string]string{"error": errText})
	}
}

func (e *Executor) llmTimeout() time.Duration {
	if e.cfg != nil && e.cfg.Model.LLMTimeoutSecs > 0 {
		return time.Duration(e.cfg.Model.LLMTimeoutSecs) * time.Second
	}
	return 2 * time.Minute
}

func (e *Executor) maxIterations() int {
	if e.cfg != nil && e.cfg.Model.MaxIterations > 0 {
		return e.cfg.Model.MaxIterations
	}
	return 20
}

func (e *Executor) buildSystemPrompt() string {
	var sb strings.Builder
	if e.sysPrompt != "" {
		sb.WriteString(e.sysPrompt)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Workspace: %s (%s)\n", e.ws.Name, e.ws.Path)
	sb.WriteString("Available tools:\n")
	for _, t := range e.registry.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
	}
	return sb.String()
}

func (e *Executor) checkBudget() error {
	if e.task.BudgetTokens > 0 && e.task.UsedTokens >= e.task.BudgetTokens {
		return fmt.Errorf("budget")
	}
	if e.cfg != nil && e.cfg.Budget.DailyTokenLimit > 0 {
		used, err := e.st.DailyTokenUsage()
		if err == nil && used >= e.cfg.Budget.DailyTokenLimit {
			return fmt.Errorf("budget")
		}
	}
	return nil
}

func (e *Executor) runLoop(ctx context.Context) {
	messages := []provider.Message{
		{Role: "user", Content: []provider.ContentBlock{provider.TextBlock(e.task.Prompt)}},
	}
	system := e.buildSystemPrompt()
	catalog := e.registry.Catalog()

	for i := 0; i < e.maxIterations(); i++ {
		if ctx.Err() != nil {
			e.terminate(store.TaskCancelled, "")
			return
		}

		// Mid-task user messages join the thread at the loop boundary.
		for _, msg := range e.drainInjected() {
			messages = append(messages, provider.Message{
				Role: "user", Content: []provider.ContentBlock{provider.TextBlock(msg)},
			})
			e.emit(store.EventUserMessage, map[string]string{"content": truncate(msg, 500)})
		}

		// Token budget is checked before each LLM call.
		if err := e.checkBudget(); err != nil {
			e.terminate(store.TaskFailed, "budget")
			return
		}

		resp, err := e.callLLM(ctx, system, messages, catalog)
		if err != nil {
			switch {
			case errors.Is(err, provider.ErrCancelled) && ctx.Err() != nil:
				e.terminate(store.TaskCancelled, "")
			case errors.Is(err, errLLMTimeout):
				e.finalizeAfterTimeout(ctx, messages)
			default:
				e.terminate(store.TaskFailed, err.Error())
			}
			return
		}

		e.task.UsedTokens += resp.Usage.Total()
		_ = e.st.AddTaskTokens(e.task.ID, resp.Usage.Total())

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			text := resp.Text()
			if resp.StopReason == provider.StopMaxTokens {
				e.emit(store.EventTruncation, map[string]string{"stop_reason": resp.StopReason})
				messages = append(messages,
					provider.Message{Role: "assistant", Content: resp.Content},
					provider.Message{Role: "user", Content: []provider.ContentBlock{provider.TextBlock("Continue.")}},
				)
				continue
			}
			e.emit(store.EventAssistantMessage, map[string]string{"content": text})
			e.terminate(store.TaskCompleted, "")
			return
		}

		messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content})

		// Tool_use blocks run strictly in order; each result is appended
		// before the next runs, and a single denial never aborts the batch.
		var results []provider.ContentBlock
		for _, use := range toolUses {
			if ctx.Err() != nil {
				e.terminate(store.TaskCancelled, "")
				return
			}
			results = append(results, e.runTool(ctx, use))
		}
		messages = append(messages, provider.Message{Role: "user", Content: results})
	}

	e.terminate(store.TaskFailed, "iteration_limit")
}

var errLLMTimeout = errors.New("llm wall-clock timeout")

func (e *Executor) callLLM(ctx context.Context, system string, messages []provider.Message, catalog []provider.Tool) (*provider.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.llmTimeout())
	defer cancel()

	resp, err := e.prov.CreateMessage(callCtx, &provider.Request{
		Model:       e.modelName(),
		System:      system,
		Messages:    messages,
		Tools:       catalog,
		MaxTokens:   e.maxTokens(),
		Temperature: e.temperature(),
	})
	if err != nil {
		if errors.Is(err, provider.ErrCancelled) && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, errLLMTimeout
		}
		return nil, err
	}
	return resp, nil
}

func (e *Executor) modelName() string {
	if e.cfg != nil && e.cfg.Model.Name != "" {
		return e.cfg.Model.Name
	}
	return e.prov.DefaultModel()
}

func (e *Executor) maxTokens() int {
	if e.cfg != nil && e.cfg.Model.MaxTokens > 0 {
		return e.cfg.Model.MaxTokens
	}
	return 4096
}

func (e *Executor) temperature() float64 {
	if e.cfg != nil {
		return e.cfg.Model.Temperature
	}
	return 0
}

// finalizeAfterTimeout runs the best-effort finalize step: one more call with
// reduced context asking for a user-visible summary. If that also fails the
// task fails with reason=timeout; it is never silently dropped.
func (e *Executor) finalizeAfterTimeout(ctx context.Context, messages []provider.Message) {
	reduced := []provider.Message{
		{Role: "user", Content: []provider.ContentBlock{provider.TextBlock(e.task.Prompt)}},
	}
	if last := lastAssistantText(messages); last != "" {
		reduced = append(reduced,
			provider.Message{Role: "assistant", Content: []provider.ContentBlock{provider.TextBlock(truncate(last, 2000))}},
		)
	}
	reduced = append(reduced, provider.Message{
		Role: "user",
		Content: []provider.ContentBlock{provider.TextBlock(
			"The previous response timed out. Summarize the progress so far for the user in a short final message.")},
	})

	callCtx, cancel := context.WithTimeout(ctx, e.llmTimeout())
	defer cancel()
	resp, err := e.prov.CreateMessage(callCtx, &provider.Request{
		Model:     e.modelName(),
		Messages:  reduced,
		MaxTokens: 1024,
	})
	if err != nil {
		e.terminate(store.TaskFailed, "timeout")
		return
	}
	e.emit(store.EventTimeoutRecovered, nil)
	e.emit(store.EventAssistantMessage, map[string]string{"content": resp.Text()})
	e.terminate(store.TaskCompleted, "")
}

func lastAssistantText(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		for _, b := range messages[i].Content {
			if b.Type == provider.BlockText && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// runTool enforces policy, routes through the approval gate when required,
// and dispatches the call. Failures come back as tool_result blocks with
// is_error=true so the model can recover.
func (e *Executor) runTool(ctx context.Context, use provider.ContentBlock) provider.ContentBlock {
	tool, ok := e.registry.Get(use.Name)
	if !ok {
		return provider.ToolResultBlock(use.ID, fmt.Sprintf("tool not found: %s", use.Name), true)
	}

	req := tool.PolicyRequest(use.Input)
	pctx := e.pctx
	pctx.Workspace = e.ws
	pctx.TaskID = e.task.ID
	decision := e.policy.Decide(req, pctx)

	_ = e.st.LogPolicyDecision(&store.PolicyDecisionRecord{
		TaskID:   e.task.ID,
		Tool:     use.Name,
		Risk:     req.Risk,
		Decision: decision.Effect,
		Reason:   decision.Reason,
	})

	if decision.Denied() {
		slog.Warn("Tool denied by policy", "tool", use.Name, "reason", decision.Reason)
		e.emit(store.EventToolCall, map[string]any{"tool": use.Name, "denied": true, "reason": decision.Reason})
		block := provider.ToolResultBlock(use.ID, "Policy denied: "+decision.Reason, true)
		e.emit(store.EventToolResult, map[string]any{"tool": use.Name, "is_error": true, "reason": decision.Reason})
		return block
	}

	if decision.Effect == policy.EffectRequireApproval {
		if errBlock := e.awaitApproval(ctx, tool, use, decision.Reason); errBlock != nil {
			return *errBlock
		}
	}

	e.emit(store.EventToolCall, map[string]any{"tool": use.Name})

	toolCtx := ctx
	if e.cfg != nil && e.cfg.Tools.ShellTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.Tools.ShellTimeoutSeconds+30)*time.Second)
		defer cancel()
	}

	result, err := tool.Execute(toolCtx, use.Input)
	if err != nil {
		e.emit(store.EventToolResult, map[string]any{"tool": use.Name, "is_error": true})
		return provider.ToolResultBlock(use.ID, "Error: "+err.Error(), true)
	}
	e.emit(store.EventToolResult, map[string]any{"tool": use.Name, "result_len": len(result)})
	return provider.ToolResultBlock(use.ID, result, false)
}

// awaitApproval suspends the loop on the gate. Denied and timed-out outcomes
// synthesize error tool_results; approved returns nil so execution proceeds.
func (e *Executor) awaitApproval(ctx context.Context, tool tools.Tool, use provider.ContentBlock, reason string) *provider.ContentBlock {
	approvalType := tools.ApprovalTypeFor(tool, use.Input)
	a, err := e.gate.Request(e.task.ID, approvalType, fmt.Sprintf("%s requires approval", use.Name), reason)
	if err != nil {
		block := provider.ToolResultBlock(use.ID, "Approval unavailable: "+err.Error(), true)
		return &block
	}
	e.emit(store.EventApprovalRequested, map[string]string{
		"approval_id": a.ID, "type": approvalType, "tool": use.Name,
	})

	prev := e.task.Status
	e.setStatus(store.TaskAwaitingInput, "")
	status, err := e.gate.Wait(ctx, a.ID)
	e.setStatus(prev, "")

	if err != nil {
		block := provider.ToolResultBlock(use.ID, "Approval interrupted", true)
		return &block
	}
	e.emit(store.EventApprovalResolved, map[string]string{"approval_id": a.ID, "status": status})

	if status != store.ApprovalApproved {
		msg := "The user denied this operation."
		if status == store.ApprovalTimedOut {
			msg = "Approval timed out; the operation was not performed."
		}
		block := provider.ToolResultBlock(use.ID, msg, true)
		return &block
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
