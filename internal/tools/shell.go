package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/policy"
	"github.com/coworkos/cowork/internal/sandbox"
)

// ShellTool runs a command through the sandbox runner. Always destructive;
// the command guardrails run in policy layer 1 and the approval gate fires
// before Execute is reached.
type ShellTool struct {
	Runner    sandbox.Runner
	Workspace config.Workspace
	Timeout   time.Duration
	OutputCap int
}

func (t *ShellTool) Name() string { return "run_shell_command" }
func (t *ShellTool) Description() string {
	return "Execute a shell command inside the workspace sandbox and return its output."
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "The shell command to execute"},
			"working_dir": map[string]any{"type": "string", "description": "Optional working directory"},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) PolicyRequest(params map[string]any) policy.Request {
	req := policy.Request{
		Tool: t.Name(), Risk: policy.RiskDestructive, Capability: "shell",
		Command: GetString(params, "command", ""),
	}
	if wd := GetString(params, "working_dir", ""); wd != "" {
		req.ReadPaths = []string{wd}
	}
	return req
}

func (t *ShellTool) ApprovalType(map[string]any) string { return "shell" }

func (t *ShellTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	res, err := t.Runner.Run(ctx, sandbox.Spec{
		Command:        command,
		WorkingDir:     GetString(params, "working_dir", ""),
		WorkspacePath:  t.Workspace.Path,
		AllowNetwork:   t.Workspace.Permissions.Network,
		Timeout:        t.Timeout,
		OutputCapBytes: t.OutputCap,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}

	var sb strings.Builder
	if res.Stdout != "" {
		sb.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n")
		sb.WriteString(res.Stderr)
	}
	if res.TimedOut {
		return "", fmt.Errorf("command timed out after %dms\n%s", res.DurationMs, sb.String())
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nExit code: %d", res.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)", nil
	}
	return sb.String(), nil
}
