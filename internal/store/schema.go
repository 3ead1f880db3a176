package store

import (
	"encoding/json"
	"time"
)

// Task statuses.
const (
	TaskPending       = "pending"
	TaskPlanning      = "planning"
	TaskExecuting     = "executing"
	TaskAwaitingInput = "awaiting_input"
	TaskCompleted     = "completed"
	TaskFailed        = "failed"
	TaskCancelled     = "cancelled"
)

// TerminalStatus reports whether a task status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is a user-submitted goal bound to a workspace.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt"`
	Status         string     `json:"status"`
	WorkspaceID    string     `json:"workspaceId"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	ParentTaskID   string     `json:"parentTaskId,omitempty"`
	Depth          int        `json:"depth"`
	BudgetTokens   int        `json:"budgetTokens,omitempty"`
	UsedTokens     int        `json:"usedTokens"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Event types appended to the task event log.
const (
	EventPlanCreated       = "plan_created"
	EventStepStarted       = "step_started"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventAssistantMessage  = "assistant_message"
	EventUserMessage       = "user_message"
	EventFileCreated       = "file_created"
	EventFileModified      = "file_modified"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventLog               = "log"
	EventError             = "error"
	EventTruncation        = "truncation"
	EventTimeoutRecovered  = "recovered_from_timeout"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTaskCancelled     = "task_cancelled"
	EventGapMarker         = "gap_marker"
)

// TaskEvent is one append-only record in a task's event stream.
type TaskEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"taskId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Artifact records a file a tool wrote during a task.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Path      string    `json:"path"` // workspace-relative
	MimeType  string    `json:"mimeType"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalTimedOut = "timed_out"
)

// Approval is a pending or resolved destructive-operation request.
type Approval struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	Type        string     `json:"type"` // delete, bulk-rename, shell, network, ...
	Description string     `json:"description"`
	Details     string     `json:"details,omitempty"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requestedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// PairingRecord is one outstanding pairing code for an external channel.
type PairingRecord struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId,omitempty"`
	CodeHash  string    `json:"codeHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
}

// PairingBan records a brute-force lockout for channel+user.
// Bans live on their own rows; pairing records are never mutated into bans.
type PairingBan struct {
	ChannelID   string    `json:"channelId"`
	UserID      string    `json:"userId"`
	BannedUntil time.Time `json:"bannedUntil"`
}

// PolicyDecisionRecord is the audit row for one policy decision. Only the
// decision, tool name and reason code are recorded, never the inputs.
type PolicyDecisionRecord struct {
	ID       int64     `json:"id"`
	TaskID   string    `json:"taskId"`
	Tool     string    `json:"tool"`
	Risk     string    `json:"risk"`
	Decision string    `json:"decision"` // allow | deny | require_approval
	Reason   string    `json:"reason"`
	Ts       time.Time `json:"ts"`
}

// Schema is the sqlite schema applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    workspace_id TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT,
    parent_task_id TEXT,
    depth INTEGER NOT NULL DEFAULT 0,
    budget_tokens INTEGER NOT NULL DEFAULT 0,
    used_tokens INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    timestamp TIMESTAMP NOT NULL,
    UNIQUE(task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);

CREATE TABLE IF NOT EXISTS artifacts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    path TEXT NOT NULL,
    mime_type TEXT NOT NULL DEFAULT '',
    sha256 TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);

CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);

CREATE TABLE IF NOT EXISTS pairing_records (
    channel_id TEXT NOT NULL,
    code_hash TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMP NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (channel_id, code_hash)
);

CREATE TABLE IF NOT EXISTS pairing_bans (
    channel_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    banned_until TIMESTAMP NOT NULL,
    PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS policy_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL,
    risk TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    ts TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
