// Package store owns the task database: tasks, the append-only event log,
// artifacts, approvals, pairing state and the settings KV.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite task database.
type Store struct {
	db *sql.DB

	// seqMu serializes event appends so per-task seq stays dense and ordered.
	seqMu sync.Mutex
}

// Open opens (or creates) the task database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask inserts a new task. ID and timestamps are assigned here.
func (s *Store) CreateTask(t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}

	var idem any
	if strings.TrimSpace(t.IdempotencyKey) != "" {
		idem = t.IdempotencyKey
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, prompt, status, workspace_id, idempotency_key,
			parent_task_id, depth, budget_tokens, used_tokens, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		t.ID, t.Title, t.Prompt, t.Status, t.WorkspaceID, idem,
		nullStr(t.ParentTaskID), t.Depth, t.BudgetTokens, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, title, prompt, status, workspace_id, COALESCE(idempotency_key, ''),
			COALESCE(parent_task_id, ''), depth, budget_tokens, used_tokens, error,
			created_at, updated_at, completed_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByIdempotencyKey returns the task created for a delivery key, if any.
func (s *Store) GetTaskByIdempotencyKey(key string) (*Task, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`
		SELECT id, title, prompt, status, workspace_id, COALESCE(idempotency_key, ''),
			COALESCE(parent_task_id, ''), depth, budget_tokens, used_tokens, error,
			created_at, updated_at, completed_at
		FROM tasks WHERE idempotency_key = ?`, key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &t.Status, &t.WorkspaceID,
		&t.IdempotencyKey, &t.ParentTaskID, &t.Depth, &t.BudgetTokens,
		&t.UsedTokens, &t.Error, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task's status. Terminal statuses also stamp
// completed_at; completed_at is set iff the status is terminal.
func (s *Store) UpdateTaskStatus(id, status, errText string) error {
	now := time.Now()
	if TerminalStatus(status) {
		_, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			status, errText, now, now, id)
		return err
	}
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, error = ?, updated_at = ?, completed_at = NULL WHERE id = ?`,
		status, errText, now, id)
	return err
}

// UpdateTaskWorkspace rebinds a task to another workspace.
func (s *Store) UpdateTaskWorkspace(id, workspaceID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE id = ?`,
		workspaceID, time.Now(), id)
	return err
}

// AddTaskTokens accumulates token usage on a task.
func (s *Store) AddTaskTokens(id string, tokens int) error {
	_, err := s.db.Exec(`UPDATE tasks SET used_tokens = used_tokens + ?, updated_at = ? WHERE id = ?`,
		tokens, time.Now(), id)
	return err
}

// ListTasks returns tasks, newest first, optionally filtered by status.
func (s *Store) ListTasks(status string, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, title, prompt, status, workspace_id, COALESCE(idempotency_key, ''),
		COALESCE(parent_task_id, ''), depth, budget_tokens, used_tokens, error,
		created_at, updated_at, completed_at FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DailyTokenUsage sums tokens used by tasks updated today.
func (s *Store) DailyTokenUsage() (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(used_tokens) FROM tasks WHERE date(updated_at) = date('now')`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// ---------------------------------------------------------------------------
// Event log (append-only)
// ---------------------------------------------------------------------------

// AppendEvent appends one event to a task's stream and returns it with its
// assigned sequence number. Events are never mutated afterwards.
func (s *Store) AppendEvent(taskID, eventType string, payload any) (*TaskEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM task_events WHERE task_id = ?`, taskID).Scan(&maxSeq); err != nil {
		return nil, err
	}
	evt := &TaskEvent{
		TaskID:    taskID,
		Seq:       maxSeq.Int64 + 1,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	res, err := s.db.Exec(`INSERT INTO task_events (task_id, seq, type, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		evt.TaskID, evt.Seq, evt.Type, string(raw), evt.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	evt.ID, _ = res.LastInsertId()
	return evt, nil
}

// GetEvents returns a task's events in sequence order, optionally from a
// minimum sequence number (for gap reconciliation).
func (s *Store) GetEvents(taskID string, afterSeq int64) ([]TaskEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, seq, type, COALESCE(payload, ''), timestamp
		FROM task_events WHERE task_id = ? AND seq > ? ORDER BY seq ASC`, taskID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var evt TaskEvent
		var payload string
		if err := rows.Scan(&evt.ID, &evt.TaskID, &evt.Seq, &evt.Type, &payload, &evt.Timestamp); err != nil {
			return nil, err
		}
		if payload != "" {
			evt.Payload = json.RawMessage(payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// InsertArtifact records a file written by a tool.
func (s *Store) InsertArtifact(a *Artifact) (*Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO artifacts (id, task_id, path, mime_type, sha256, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Path, a.MimeType, a.SHA256, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a task's artifacts in creation order.
func (s *Store) ListArtifacts(taskID string) ([]Artifact, error) {
	rows, err := s.db.Query(`SELECT id, task_id, path, mime_type, sha256, size_bytes, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Path, &a.MimeType, &a.SHA256, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// InsertApproval persists a new pending approval.
func (s *Store) InsertApproval(a *Approval) error {
	_, err := s.db.Exec(`INSERT INTO approvals (id, task_id, type, description, details, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Type, a.Description, a.Details, ApprovalPending, a.RequestedAt)
	return err
}

// ResolveApproval records an approval outcome exactly once. A second call for
// the same id leaves the first outcome in place and reports it.
func (s *Store) ResolveApproval(id, status string) (string, error) {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE approvals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		status, now, id, ApprovalPending)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return status, nil
	}
	var existing string
	if err := s.db.QueryRow(`SELECT status FROM approvals WHERE id = ?`, id).Scan(&existing); err != nil {
		return "", err
	}
	return existing, nil
}

// GetApproval loads an approval by id.
func (s *Store) GetApproval(id string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT id, task_id, type, description, details, status, requested_at, resolved_at
		FROM approvals WHERE id = ?`, id)
	var a Approval
	var resolved sql.NullTime
	if err := row.Scan(&a.ID, &a.TaskID, &a.Type, &a.Description, &a.Details, &a.Status, &a.RequestedAt, &resolved); err != nil {
		return nil, err
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.Time
	}
	return &a, nil
}

// ListPendingApprovals returns pending approvals, oldest first.
func (s *Store) ListPendingApprovals() ([]Approval, error) {
	rows, err := s.db.Query(`SELECT id, task_id, type, description, details, status, requested_at, resolved_at
		FROM approvals WHERE status = ? ORDER BY requested_at ASC`, ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Type, &a.Description, &a.Details, &a.Status, &a.RequestedAt, &resolved); err != nil {
			return nil, err
		}
		if resolved.Valid {
			a.ResolvedAt = &resolved.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingApprovalForTask returns the task's pending approval id, if any.
func (s *Store) PendingApprovalForTask(taskID string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM approvals WHERE task_id = ? AND status = ?`, taskID, ApprovalPending).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ---------------------------------------------------------------------------
// Pairing state
// ---------------------------------------------------------------------------

// InsertPairingRecord stores a new pairing code.
func (s *Store) InsertPairingRecord(r *PairingRecord) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO pairing_records (channel_id, code_hash, user_id, expires_at, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		r.ChannelID, r.CodeHash, r.UserID, r.ExpiresAt, r.Attempts)
	return err
}

// GetPairingRecord locates a pairing record by channel and code hash.
func (s *Store) GetPairingRecord(channelID, codeHash string) (*PairingRecord, error) {
	row := s.db.QueryRow(`SELECT channel_id, code_hash, user_id, expires_at, attempts
		FROM pairing_records WHERE channel_id = ? AND code_hash = ?`, channelID, codeHash)
	var r PairingRecord
	if err := row.Scan(&r.ChannelID, &r.CodeHash, &r.UserID, &r.ExpiresAt, &r.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListPairingRecords returns all pairing records for a channel.
func (s *Store) ListPairingRecords(channelID string) ([]PairingRecord, error) {
	rows, err := s.db.Query(`SELECT channel_id, code_hash, user_id, expires_at, attempts
		FROM pairing_records WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairingRecord
	for rows.Next() {
		var r PairingRecord
		if err := rows.Scan(&r.ChannelID, &r.CodeHash, &r.UserID, &r.ExpiresAt, &r.Attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BumpPairingAttempts increments the attempt counter on all of a channel's
// live pairing records and returns the new maximum.
func (s *Store) BumpPairingAttempts(channelID string) (int, error) {
	if _, err := s.db.Exec(`UPDATE pairing_records SET attempts = attempts + 1 WHERE channel_id = ?`, channelID); err != nil {
		return 0, err
	}
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(attempts) FROM pairing_records WHERE channel_id = ?`, channelID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// DeletePairingRecord removes a pairing record (success or expiry).
func (s *Store) DeletePairingRecord(channelID, codeHash string) error {
	_, err := s.db.Exec(`DELETE FROM pairing_records WHERE channel_id = ? AND code_hash = ?`, channelID, codeHash)
	return err
}

// ExpirePairingRecords removes records past their TTL.
func (s *Store) ExpirePairingRecords(now time.Time) error {
	_, err := s.db.Exec(`DELETE FROM pairing_records WHERE expires_at < ?`, now)
	return err
}

// SetPairingBan records a lockout window for channel+user.
func (s *Store) SetPairingBan(channelID, userID string, until time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO pairing_bans (channel_id, user_id, banned_until)
		VALUES (?, ?, ?)`, channelID, userID, until)
	return err
}

// GetPairingBan returns the ban expiry for channel+user, if banned.
func (s *Store) GetPairingBan(channelID, userID string) (time.Time, bool, error) {
	var until time.Time
	err := s.db.QueryRow(`SELECT banned_until FROM pairing_bans WHERE channel_id = ? AND user_id = ?`,
		channelID, userID).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

// SweepPairingBans removes expired bans.
func (s *Store) SweepPairingBans(now time.Time) error {
	_, err := s.db.Exec(`DELETE FROM pairing_bans WHERE banned_until < ?`, now)
	return err
}

// ---------------------------------------------------------------------------
// Policy audit + settings KV
// ---------------------------------------------------------------------------

// LogPolicyDecision appends one decision audit row.
func (s *Store) LogPolicyDecision(rec *PolicyDecisionRecord) error {
	_, err := s.db.Exec(`INSERT INTO policy_decisions (task_id, tool, risk, decision, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Tool, rec.Risk, rec.Decision, rec.Reason, time.Now())
	return err
}

// ListPolicyDecisions returns decisions for a task, oldest first.
func (s *Store) ListPolicyDecisions(taskID string) ([]PolicyDecisionRecord, error) {
	rows, err := s.db.Query(`SELECT id, task_id, tool, risk, decision, reason, ts
		FROM policy_decisions WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PolicyDecisionRecord
	for rows.Next() {
		var rec PolicyDecisionRecord
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Tool, &rec.Risk, &rec.Decision, &rec.Reason, &rec.Ts); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSetting reads a settings value ("" when absent).
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
