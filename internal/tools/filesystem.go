package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/coworkos/cowork/internal/guard"
	"github.com/coworkos/cowork/internal/policy"
)

// FileWriteRecord describes one file a tool wrote, for artifact tracking.
type FileWriteRecord struct {
	// Path is workspace-relative.
	Path      string
	MimeType  string
	SHA256    string
	SizeBytes int64
	Created   bool
}

// FileObserver receives write notifications so the executor can record
// artifacts and emit file events.
type FileObserver func(rec FileWriteRecord)

func recordWrite(g *guard.PathGuard, observe FileObserver, absPath string, created bool) {
	if observe == nil {
		return
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	rel := absPath
	if ws := g.Workspace().Path; ws != "" {
		if r, err := filepath.Rel(ws, absPath); err == nil {
			rel = r
		}
	}
	mimeType := mime.TypeByExtension(filepath.Ext(absPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	observe(FileWriteRecord{
		Path:      rel,
		MimeType:  mimeType,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
		Created:   created,
	})
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	Guard *guard.PathGuard
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The path to the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{
		Tool: t.Name(), Risk: policy.RiskRead, Capability: "read",
		ReadPaths: []string{GetString(params, "path", "")},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.Guard.CheckRead(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// WriteFileTool writes a file inside the workspace.
type WriteFileTool struct {
	Guard   *guard.PathGuard
	Observe FileObserver
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file. Creates parent directories if needed."
}

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "The path to the file to write"},
			"content": map[string]any{"type": "string", "description": "The content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{
		Tool: t.Name(), Risk: policy.RiskWrite, Capability: "write",
		WritePaths: []string{GetString(params, "path", "")},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.Guard.CheckWrite(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	content := GetString(params, "content", "")

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	recordWrite(t.Guard, t.Observe, path, created)
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces text in a file.
type EditFileTool struct {
	Guard   *guard.PathGuard
	Observe FileObserver
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text exactly once."
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string"},
			"old_text": map[string]any{"type": "string"},
			"new_text": map[string]any{"type": "string"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{
		Tool: t.Name(), Risk: policy.RiskWrite, Capability: "write",
		WritePaths: []string{GetString(params, "path", "")},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.Guard.CheckWrite(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	oldText := GetString(params, "old_text", "")
	if oldText == "" {
		return "", fmt.Errorf("old_text is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return "", fmt.Errorf("text not found in %s", path)
	}
	updated := strings.Replace(content, oldText, GetString(params, "new_text", ""), 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	recordWrite(t.Guard, t.Observe, path, false)
	return fmt.Sprintf("Edited %s", path), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct {
	Guard *guard.PathGuard
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a directory." }

func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The directory to list"},
		},
	}
}

func (t *ListDirTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{
		Tool: t.Name(), Risk: policy.RiskRead, Capability: "read",
		ReadPaths: []string{GetString(params, "path", ".")},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.Guard.CheckRead(GetString(params, "path", "."))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Contents of %s:\n", path)
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "  [DIR]  %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&sb, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&sb, "  [FILE] %s\n", entry.Name())
		}
	}
	return sb.String(), nil
}

// DeleteFileTool removes a file. Always destructive; the approval gate fires
// before Execute is reached.
type DeleteFileTool struct {
	Guard *guard.PathGuard
}

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a single file." }

func (t *DeleteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The file to delete"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{
		Tool: t.Name(), Risk: policy.RiskDestructive, Capability: "delete",
		WritePaths: []string{GetString(params, "path", "")},
	}
}

func (t *DeleteFileTool) ApprovalType(map[string]any) string { return "delete" }

func (t *DeleteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.Guard.CheckWrite(GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("delete file: %w", err)
	}
	return fmt.Sprintf("Deleted %s", path), nil
}

// BulkRenameTool renames a batch of files. Below the configured threshold it
// is a plain write; above it, approval is required.
type BulkRenameTool struct {
	Guard     *guard.PathGuard
	Observe   FileObserver
	Threshold int
}

func (t *BulkRenameTool) Name() string { return "bulk_rename" }
func (t *BulkRenameTool) Description() string {
	return "Rename or move a batch of files inside the workspace."
}

func (t *BulkRenameTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"renames": map[string]any{
				"type":        "array",
				"description": "List of {from, to} rename pairs",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"from": map[string]any{"type": "string"},
						"to":   map[string]any{"type": "string"},
					},
					"required": []string{"from", "to"},
				},
			},
		},
		"required": []string{"renames"},
	}
}

type renamePair struct{ from, to string }

func (t *BulkRenameTool) pairs(params map[string]any) []renamePair {
	raw, _ := params["renames"].([]any)
	out := make([]renamePair, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, renamePair{
			from: GetString(m, "from", ""),
			to:   GetString(m, "to", ""),
		})
	}
	return out
}

func (t *BulkRenameTool) threshold() int {
	if t.Threshold <= 0 {
		return 10
	}
	return t.Threshold
}

func (t *BulkRenameTool) PolicyRequest(params map[string]any) policy.Request {
	pairs := t.pairs(params)
	req := policy.Request{Tool: t.Name(), Risk: policy.RiskWrite, Capability: "write"}
	for _, p := range pairs {
		req.WritePaths = append(req.WritePaths, p.from, p.to)
	}
	if len(pairs) > t.threshold() {
		req.Risk = policy.RiskDestructive
	}
	return req
}

func (t *BulkRenameTool) ApprovalType(map[string]any) string { return "bulk-rename" }

func (t *BulkRenameTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	pairs := t.pairs(params)
	if len(pairs) == 0 {
		return "", fmt.Errorf("renames is required")
	}
	done := 0
	for _, p := range pairs {
		from, err := t.Guard.CheckWrite(p.from)
		if err != nil {
			return "", err
		}
		to, err := t.Guard.CheckWrite(p.to)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
		if err := os.Rename(from, to); err != nil {
			return "", fmt.Errorf("rename %s after %d renames: %w", p.from, done, err)
		}
		recordWrite(t.Guard, t.Observe, to, true)
		done++
	}
	return fmt.Sprintf("Renamed %d files", done), nil
}
