// Package tools provides the tool catalog and implementations dispatched by
// the executor.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/coworkos/cowork/internal/policy"
	"github.com/coworkos/cowork/internal/provider"
)

// Tool is the interface every agent tool implements.
type Tool interface {
	// Name returns the tool identifier used in tool_use blocks.
	Name() string
	// Description returns a human-readable description for the model.
	Description() string
	// Schema returns the JSON Schema for tool input.
	Schema() map[string]any
	// PolicyRequest extracts the policy-relevant view of an invocation:
	// risk level, workspace capability, path inputs, shell command.
	PolicyRequest(params map[string]any) policy.Request
	// Execute runs the tool. Errors are user-readable; they become
	// tool_result blocks with is_error=true, never panics.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// ApprovalTyper lets a tool name the approval type shown to the user
// (delete, bulk-rename, shell, network).
type ApprovalTyper interface {
	ApprovalType(params map[string]any) string
}

// ApprovalTypeFor returns the approval type for a tool invocation.
func ApprovalTypeFor(t Tool, params map[string]any) string {
	if at, ok := t.(ApprovalTyper); ok {
		return at.ApprovalType(params)
	}
	return t.PolicyRequest(params).Risk
}

// Registry manages the static tool catalog.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the catalog.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// RegisterMCP adds a bridged tool under its server's namespace prefix.
// Permissions are inherited from the MCP server config via the wrapped tool's
// own policy request.
func (r *Registry) RegisterMCP(namespace string, t Tool) {
	r.tools[fmt.Sprintf("mcp:%s/%s", namespace, t.Name())] = &namespacedTool{prefix: namespace, inner: t}
}

type namespacedTool struct {
	prefix string
	inner  Tool
}

func (n *namespacedTool) Name() string {
	return fmt.Sprintf("mcp:%s/%s", n.prefix, n.inner.Name())
}
func (n *namespacedTool) Description() string    { return n.inner.Description() }
func (n *namespacedTool) Schema() map[string]any { return n.inner.Schema() }
func (n *namespacedTool) PolicyRequest(params map[string]any) policy.Request {
	req := n.inner.PolicyRequest(params)
	req.Tool = n.Name()
	return req
}
func (n *namespacedTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	return n.inner.Execute(ctx, params)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Catalog publishes the tool definitions handed to the provider.
func (r *Registry) Catalog() []provider.Tool {
	list := r.List()
	out := make([]provider.Tool, 0, len(list))
	for _, t := range list {
		out = append(out, provider.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return out
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return t.Execute(ctx, params)
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
