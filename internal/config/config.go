// Package config provides configuration types and the file-backed settings store.
package config

import (
	"strings"
	"time"
)

// TempWorkspaceID is the reserved identity meaning "no workspace chosen yet".
const TempWorkspaceID = "__temp_workspace__"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Budget, Providers, Approval, Tools,
// ControlPlane, Hooks, Relay, Skills.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Model        ModelConfig        `json:"model"`
	Budget       BudgetConfig       `json:"budget"`
	Providers    ProvidersConfig    `json:"providers"`
	Approval     ApprovalConfig     `json:"approval"`
	Tools        ToolsConfig        `json:"tools"`
	ControlPlane ControlPlaneConfig `json:"controlPlane"`
	Hooks        HooksConfig        `json:"hooks"`
	Relay        RelayConfig        `json:"relay"`
	Skills       SkillsConfig       `json:"skills"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// DataDir is the per-user app-data directory. Defaults to ~/.cowork.
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and executor-loop settings.
type ModelConfig struct {
	Name           string  `json:"name" envconfig:"NAME"`
	MaxTokens      int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature    float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxIterations  int     `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	LLMTimeoutSecs int     `json:"llmTimeoutSeconds" envconfig:"LLM_TIMEOUT_SECONDS"`
}

// BudgetConfig bounds token spend.
type BudgetConfig struct {
	// MaxTaskTokens caps total tokens per task. 0 disables the cap.
	MaxTaskTokens int `json:"maxTaskTokens" envconfig:"MAX_TASK_TOKENS"`
	// DailyTokenLimit caps tokens per calendar day across tasks. 0 disables.
	DailyTokenLimit int `json:"dailyTokenLimit" envconfig:"DAILY_TOKEN_LIMIT"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Ollama     ProviderConfig `json:"ollama"`
}

// ProviderConfig contains settings for a single LLM provider.
// APIKey values are persisted with the "encrypted:" envelope prefix.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Approval / tools
// ---------------------------------------------------------------------------

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	TTLSeconds int `json:"ttlSeconds" envconfig:"APPROVAL_TTL_SECONDS"`
}

// TTL returns the approval time-to-live.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.TTLSeconds) * time.Second
}

// ToolsConfig groups tool execution settings.
type ToolsConfig struct {
	ShellTimeoutSeconds int `json:"shellTimeoutSeconds" envconfig:"SHELL_TIMEOUT_SECONDS"`
	// OutputCapBytes truncates tool stdout/stderr beyond this size.
	OutputCapBytes int `json:"outputCapBytes" envconfig:"OUTPUT_CAP_BYTES"`
	// BulkRenameThreshold is the target count above which bulk_rename
	// requires approval.
	BulkRenameThreshold int `json:"bulkRenameThreshold" envconfig:"BULK_RENAME_THRESHOLD"`
	// MaxSubtaskDepth bounds parent/child task nesting.
	MaxSubtaskDepth int `json:"maxSubtaskDepth" envconfig:"MAX_SUBTASK_DEPTH"`
	// ExtraGuardPatterns are appended to the built-in command guardrails.
	// Built-ins cannot be removed.
	ExtraGuardPatterns []string `json:"extraGuardPatterns,omitempty"`
}

// ---------------------------------------------------------------------------
// Control plane / hooks / relay
// ---------------------------------------------------------------------------

// ControlPlaneConfig configures the WebSocket control plane server.
type ControlPlaneConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR"`
	// Token is the bearer token clients present during connect.
	// Persisted with the "encrypted:" envelope prefix.
	Token string `json:"token" envconfig:"TOKEN"`
	// Scopes granted to authenticated clients. Empty means {"admin"}.
	Scopes []string `json:"scopes,omitempty"`
	// MaxFrameBytes bounds a single frame. Defaults to 10 MiB.
	MaxFrameBytes int64 `json:"maxFrameBytes,omitempty"`
	// HandshakeTimeoutSeconds bounds the connect handshake. Default 10s.
	HandshakeTimeoutSeconds int `json:"handshakeTimeoutSeconds,omitempty"`
	// HeartbeatSeconds is the heartbeat broadcast interval. Default 30s.
	HeartbeatSeconds int `json:"heartbeatSeconds,omitempty"`
	// IdleTimeoutSeconds disconnects inactive clients. Default 120s.
	IdleTimeoutSeconds int `json:"idleTimeoutSeconds,omitempty"`
}

// HooksConfig configures the webhook trigger server.
type HooksConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Addr     string `json:"addr" envconfig:"ADDR"`
	BasePath string `json:"basePath" envconfig:"BASE_PATH"`
	// Token is persisted with the "encrypted:" envelope prefix.
	Token string `json:"token" envconfig:"TOKEN"`
	// MaxBodyBytes bounds request bodies. Default 1 MiB.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty"`
	// ReadTimeoutSeconds terminates slow clients. Default 10s.
	ReadTimeoutSeconds int           `json:"readTimeoutSeconds,omitempty"`
	Mappings           []HookMapping `json:"mappings,omitempty"`
}

// HookMapping declaratively routes a request to a wake or agent action.
// Matching is exact path + exact header values + JSON-pointer equality on the
// body; no expressions are ever evaluated from configuration.
type HookMapping struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body maps JSON pointers ("/a/b") to required string values.
	Body map[string]string `json:"body,omitempty"`
	// Action is "wake" or "agent".
	Action string `json:"action"`
	// Prompt is used when Action is "agent".
	Prompt string `json:"prompt,omitempty"`
	// Mode is "now" or "next-heartbeat" when Action is "wake".
	Mode string `json:"mode,omitempty"`
}

// RelayConfig configures the optional Kafka event relay.
type RelayConfig struct {
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	AgentID string `json:"agentId" envconfig:"AGENT_ID"`
}

// Enabled reports whether the relay is configured.
func (r RelayConfig) Enabled() bool { return strings.TrimSpace(r.Brokers) != "" }

// SkillsConfig configures the user skill catalog.
type SkillsConfig struct {
	Dir string `json:"dir,omitempty" envconfig:"DIR"`
}

// ---------------------------------------------------------------------------
// Workspaces – owned by the settings store
// ---------------------------------------------------------------------------

// WorkspacePermissions is the capability flag-set of a workspace.
type WorkspacePermissions struct {
	Read                   bool `json:"read"`
	Write                  bool `json:"write"`
	Delete                 bool `json:"delete"`
	Shell                  bool `json:"shell"`
	Network                bool `json:"network"`
	UnrestrictedFileAccess bool `json:"unrestrictedFileAccess"`
}

// Workspace is a directory plus the permission flag-set that bounds what the
// agent may do inside it.
type Workspace struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Path         string               `json:"path"`
	Permissions  WorkspacePermissions `json:"permissions"`
	AllowedPaths []string             `json:"allowedPaths,omitempty"`
	IsTemp       bool                 `json:"isTemp,omitempty"`
	LastUsedAt   time.Time            `json:"lastUsedAt,omitempty"`
}

// TempWorkspace returns the reserved placeholder workspace.
func TempWorkspace() Workspace {
	return Workspace{
		ID:     TempWorkspaceID,
		Name:   "Temporary",
		IsTemp: true,
		Permissions: WorkspacePermissions{
			Read:  true,
			Write: true,
		},
	}
}

// ---------------------------------------------------------------------------
// Channels – owned by the settings store
// ---------------------------------------------------------------------------

// Channel security modes.
const (
	SecurityOpen      = "open"
	SecurityPairing   = "pairing"
	SecurityAllowlist = "allowlist"
)

// Message context tags.
const (
	ContextPrivate = "private"
	ContextGroup   = "group"
	ContextPublic  = "public"
)

// ContextPolicy maps a message context to the capability attenuation applied
// to requests arriving in that context.
type ContextPolicy struct {
	BlockMemoryTools    bool `json:"blockMemoryTools,omitempty"`
	BlockClipboardTools bool `json:"blockClipboardTools,omitempty"`
	BlockShell          bool `json:"blockShell,omitempty"`
	BlockNetwork        bool `json:"blockNetwork,omitempty"`
	ReadOnly            bool `json:"readOnly,omitempty"`
}

// ChannelConfig describes one external chat channel.
// Secret values inside Secrets are persisted with the "encrypted:" prefix.
type ChannelConfig struct {
	ID            string                   `json:"id"`
	Type          string                   `json:"type"` // slack, whatsapp, ...
	Name          string                   `json:"name"`
	Enabled       bool                     `json:"enabled"`
	SecurityMode  string                   `json:"securityMode"` // open | pairing | allowlist
	Secrets       map[string]string        `json:"secrets,omitempty"`
	Allowlist     []string                 `json:"allowlist,omitempty"`
	ContextPolicy map[string]ContextPolicy `json:"contextPolicy,omitempty"`
}

// PolicyFor returns the context policy for a message context tag.
func (c *ChannelConfig) PolicyFor(context string) ContextPolicy {
	if c == nil || c.ContextPolicy == nil {
		return ContextPolicy{}
	}
	return c.ContextPolicy[context]
}

// Allowed reports whether a user id is on the channel allowlist.
func (c *ChannelConfig) Allowed(userID string) bool {
	userID = strings.TrimSpace(userID)
	for _, v := range c.Allowlist {
		if strings.TrimSpace(v) == userID && userID != "" {
			return true
		}
	}
	return false
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Name:           "claude-sonnet-4-5",
			MaxTokens:      4096,
			Temperature:    0.7,
			MaxIterations:  20,
			LLMTimeoutSecs: 120,
		},
		Approval: ApprovalConfig{TTLSeconds: 300},
		Tools: ToolsConfig{
			ShellTimeoutSeconds: 60,
			OutputCapBytes:      64 * 1024,
			BulkRenameThreshold: 10,
			MaxSubtaskDepth:     3,
		},
		ControlPlane: ControlPlaneConfig{
			Addr:                    "127.0.0.1:8791",
			MaxFrameBytes:           10 << 20,
			HandshakeTimeoutSeconds: 10,
			HeartbeatSeconds:        30,
			IdleTimeoutSeconds:      120,
		},
		Hooks: HooksConfig{
			Addr:               "127.0.0.1:8792",
			BasePath:           "/hooks",
			MaxBodyBytes:       1 << 20,
			ReadTimeoutSeconds: 10,
		},
	}
}
