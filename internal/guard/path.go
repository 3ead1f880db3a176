// Package guard provides the path containment and shell command guardrails
// applied before any tool touches the filesystem or spawns a process.
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coworkos/cowork/internal/config"
)

// ErrPathViolation is the error kind for paths escaping the workspace.
type ErrPathViolation struct {
	Path   string
	Reason string
}

func (e *ErrPathViolation) Error() string {
	return fmt.Sprintf("path not allowed: %s (%s)", e.Path, e.Reason)
}

// protectedRoots are system directories denied for writes regardless of
// workspace configuration.
var protectedRoots = []string{
	"/etc", "/bin", "/sbin", "/usr", "/boot", "/dev", "/proc", "/sys",
	"/var", "/lib", "/lib64", "/System", "/Library", "/private",
}

// PathGuard validates path parameters against a workspace.
type PathGuard struct {
	ws config.Workspace
}

// NewPathGuard creates a guard for the given workspace.
func NewPathGuard(ws config.Workspace) *PathGuard {
	return &PathGuard{ws: ws}
}

// Workspace returns the guarded workspace.
func (g *PathGuard) Workspace() config.Workspace { return g.ws }

// Resolve expands and absolutizes a path parameter. Relative paths resolve
// against the workspace root.
func (g *PathGuard) Resolve(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if !filepath.IsAbs(path) && g.ws.Path != "" {
		path = filepath.Join(g.ws.Path, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// CheckRead validates a path for reading.
func (g *PathGuard) CheckRead(path string) (string, error) {
	return g.check(path, false)
}

// CheckWrite validates a path for writing or deletion. Protected system
// roots are denied even with unrestricted file access.
func (g *PathGuard) CheckWrite(path string) (string, error) {
	return g.check(path, true)
}

func (g *PathGuard) check(path string, write bool) (string, error) {
	resolved := g.Resolve(path)

	if write && underProtectedRoot(resolved) {
		return "", &ErrPathViolation{Path: resolved, Reason: "protected system path"}
	}
	if g.ws.Permissions.UnrestrictedFileAccess {
		return resolved, nil
	}

	roots := make([]string, 0, 1+len(g.ws.AllowedPaths))
	if g.ws.Path != "" {
		roots = append(roots, g.ws.Path)
	}
	roots = append(roots, g.ws.AllowedPaths...)
	for _, root := range roots {
		if isWithin(root, resolved) {
			return resolved, nil
		}
	}
	return "", &ErrPathViolation{Path: resolved, Reason: "outside workspace"}
}

// isWithin reports whether path is root itself or contained under it, by
// relative-path comparison: the relative form must not be absolute and must
// not begin with "..".
func isWithin(root, path string) bool {
	root = strings.TrimSpace(root)
	if root == "" {
		return false
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func underProtectedRoot(path string) bool {
	for _, root := range protectedRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
