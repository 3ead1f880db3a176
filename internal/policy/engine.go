// Package policy provides the four-layer deny-wins authorization pipeline
// gating every tool call.
package policy

import (
	"fmt"
	"strings"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/guard"
)

// Effects, in increasing restrictiveness. Any deny short-circuits; a
// require-approval outranks a plain allow.
const (
	EffectAllow           = "allow"
	EffectRequireApproval = "require_approval"
	EffectDeny            = "deny"
)

// Risk levels tools declare.
const (
	RiskRead        = "read"
	RiskWrite       = "write"
	RiskDestructive = "destructive"
	RiskSystem      = "system"
	RiskNetwork     = "network"
)

// Request describes one pending tool call. The registry extracts the
// policy-relevant fields; raw inputs are never logged.
type Request struct {
	Tool string
	Risk string
	// Capability names the workspace flag the call exercises:
	// read | write | delete | shell | network.
	Capability string
	// Command is the shell command for shell-class tools.
	Command string
	// ReadPaths / WritePaths are the path inputs to confine.
	ReadPaths  []string
	WritePaths []string
	// Tags mark tool families for context attenuation (memory, clipboard).
	Tags []string
}

// Context carries where the request came from.
type Context struct {
	Workspace config.Workspace
	TaskID    string
	// External is true for requests originating from external channels.
	External bool
	// MessageContext is private | group | public for external requests.
	MessageContext string
	// ContextPolicy is the attenuation configured for that context.
	ContextPolicy config.ContextPolicy
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Effect string
	Reason string
}

// Allowed reports whether execution may proceed without approval.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Denied reports a hard deny.
func (d Decision) Denied() bool { return d.Effect == EffectDeny }

// Engine evaluates whether a tool call should proceed.
type Engine interface {
	Decide(req Request, ctx Context) Decision
}

// Manager is the four-layer implementation: global guardrails, workspace
// permissions, context restrictions, tool risk rules.
type Manager struct {
	commands *guard.CommandGuard
}

// NewManager creates the policy manager. extraPatterns extends the built-in
// command guardrails; built-ins cannot be removed.
func NewManager(extraPatterns []string) *Manager {
	return &Manager{commands: guard.NewCommandGuard(extraPatterns)}
}

// Decide runs the layers in order. Any deny short-circuits; the most
// restrictive non-deny outcome wins.
func (m *Manager) Decide(req Request, ctx Context) Decision {
	needsApproval := false
	approvalReason := ""

	// Layer 1: global guardrails.
	if req.Command != "" {
		if err := m.commands.Check(req.Command); err != nil {
			return Decision{Effect: EffectDeny, Reason: "guardrail_blocked_command"}
		}
	}

	// Layer 2: workspace permissions + path containment.
	if d, ok := m.checkWorkspace(req, ctx); !ok {
		return d
	}

	// Layer 3: context restrictions for external channels.
	if ctx.External {
		if d, ok := m.checkContext(req, ctx); !ok {
			return d
		}
	}

	// Layer 4: tool risk rules.
	switch req.Risk {
	case RiskRead:
		// auto-allow
	case RiskWrite:
		// auto-allow; the write permission was layer 2's job
	case RiskDestructive:
		needsApproval = true
		approvalReason = "destructive_operation"
	case RiskSystem:
		needsApproval = true
		approvalReason = "system_operation"
	case RiskNetwork:
		if ctx.External {
			needsApproval = true
			approvalReason = "network_operation_external_context"
		}
	default:
		return Decision{Effect: EffectDeny, Reason: fmt.Sprintf("unknown_risk_%s", req.Risk)}
	}

	if needsApproval {
		return Decision{Effect: EffectRequireApproval, Reason: approvalReason}
	}
	return Decision{Effect: EffectAllow, Reason: "policy_allow"}
}

func (m *Manager) checkWorkspace(req Request, ctx Context) (Decision, bool) {
	perms := ctx.Workspace.Permissions

	switch req.Capability {
	case "read":
		if !perms.Read {
			return Decision{Effect: EffectDeny, Reason: "workspace_read_denied"}, false
		}
	case "write":
		if !perms.Write {
			return Decision{Effect: EffectDeny, Reason: "workspace_write_denied"}, false
		}
	case "delete":
		if !perms.Delete {
			return Decision{Effect: EffectDeny, Reason: "workspace_delete_denied"}, false
		}
	case "shell":
		if !perms.Shell {
			return Decision{Effect: EffectDeny, Reason: "workspace_shell_denied"}, false
		}
	case "network":
		if !perms.Network {
			return Decision{Effect: EffectDeny, Reason: "workspace_network_denied"}, false
		}
	case "":
		// in-process tools without a workspace capability (agent control)
	default:
		return Decision{Effect: EffectDeny, Reason: "unknown_capability"}, false
	}

	pg := guard.NewPathGuard(ctx.Workspace)
	for _, p := range req.ReadPaths {
		if _, err := pg.CheckRead(p); err != nil {
			return Decision{Effect: EffectDeny, Reason: "path_outside_workspace"}, false
		}
	}
	for _, p := range req.WritePaths {
		if _, err := pg.CheckWrite(p); err != nil {
			return Decision{Effect: EffectDeny, Reason: "path_outside_workspace"}, false
		}
	}
	return Decision{}, true
}

func (m *Manager) checkContext(req Request, ctx Context) (Decision, bool) {
	cp := ctx.ContextPolicy
	if cp.ReadOnly && req.Risk != RiskRead {
		return Decision{Effect: EffectDeny, Reason: "context_read_only"}, false
	}
	if cp.BlockShell && req.Capability == "shell" {
		return Decision{Effect: EffectDeny, Reason: "context_shell_blocked"}, false
	}
	if cp.BlockNetwork && req.Capability == "network" {
		return Decision{Effect: EffectDeny, Reason: "context_network_blocked"}, false
	}
	if cp.BlockMemoryTools && hasTag(req.Tags, "memory") {
		return Decision{Effect: EffectDeny, Reason: "context_memory_tools_blocked"}, false
	}
	if cp.BlockClipboardTools && hasTag(req.Tags, "clipboard") {
		return Decision{Effect: EffectDeny, Reason: "context_clipboard_tools_blocked"}, false
	}
	return Decision{}, true
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
