package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/store"
)

// Preflight reason tags.
const (
	ReasonWorkspaceRequired = "workspace_required"
	ReasonWorkspaceMismatch = "workspace_mismatch"
)

var (
	fileHintRe = regexp.MustCompile(`(?i)\b(file|files|folder|director(y|ies)|repo|code|\.(go|py|js|ts|md|txt|log|json|ya?ml|csv))\b`)
	absPathRe  = regexp.MustCompile(`(^|\s)(/[A-Za-z0-9._-]+)+/?`)
)

// referencesFiles reports whether a prompt appears to be about code or files.
func referencesFiles(prompt string) bool {
	return fileHintRe.MatchString(prompt)
}

// mentionsForeignPath reports whether the prompt names an absolute path that
// is outside the workspace.
func mentionsForeignPath(prompt, workspacePath string) bool {
	if workspacePath == "" {
		return false
	}
	for _, m := range absPathRe.FindAllString(prompt, -1) {
		p := strings.TrimSpace(m)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, workspacePath) {
			return true
		}
	}
	return false
}

// runPreflight checks workspace applicability before the loop starts. It
// returns false when it already terminated the task. Once acknowledged,
// preflight is skipped for the remainder of the task.
func (e *Executor) runPreflight(ctx context.Context) bool {
	if e.preflight {
		return true
	}

	switch {
	case e.ws.IsTemp && referencesFiles(e.task.Prompt):
		// Ambiguous intent on the temp workspace: auto-switch to the most
		// recently used real workspace when the product policy allows it.
		if !e.noSwitch && e.workspaces != nil {
			if ws, ok := e.workspaces.MostRecent(); ok {
				e.ws = ws
				if e.rebuild != nil {
					e.registry = e.rebuild(ws)
				}
				_ = e.st.UpdateTaskWorkspace(e.task.ID, ws.ID)
				e.workspaces.Touch(ws.ID)
				e.emit(store.EventLog, map[string]string{
					"message":   "auto-switched to most recent workspace",
					"workspace": ws.ID,
				})
				e.preflight = true
				return true
			}
		}
		return e.awaitPreflightAck(ctx, ReasonWorkspaceRequired)

	case !e.ws.IsTemp && mentionsForeignPath(e.task.Prompt, e.ws.Path):
		return e.awaitPreflightAck(ctx, ReasonWorkspaceMismatch)
	}

	e.preflight = true
	return true
}

// awaitPreflightAck suspends in awaiting_input until the user responds (any
// injected message acknowledges) or the task is cancelled.
func (e *Executor) awaitPreflightAck(ctx context.Context, reason string) bool {
	e.setStatus(store.TaskAwaitingInput, "")
	e.emit(store.EventLog, map[string]string{"awaiting_input": reason})

	select {
	case <-e.injectCh:
		// The injected message stays queued and joins the thread at the next
		// loop boundary.
		e.preflight = true
		e.setStatus(store.TaskExecuting, "")
		return true
	case <-ctx.Done():
		e.terminate(store.TaskCancelled, "")
		return false
	}
}

// WorkspaceForTask resolves a task's workspace, falling back to the reserved
// temp workspace.
func WorkspaceForTask(reg *config.WorkspaceRegistry, workspaceID string) config.Workspace {
	if reg != nil {
		if ws, ok := reg.Get(workspaceID); ok {
			return ws
		}
	}
	return config.TempWorkspace()
}
