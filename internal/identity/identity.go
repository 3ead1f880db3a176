// Package identity assembles the agent's system prompt identity and scaffolds
// the workspace identity files.
package identity

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.md
var templateFS embed.FS

// TemplateNames lists the identity files scaffolded into a workspace.
var TemplateNames = []string{"AGENT.md", "PERSONALITY.md"}

// Template returns the embedded default for an identity file.
func Template(name string) ([]byte, error) {
	return templateFS.ReadFile("templates/" + name)
}

// ScaffoldResult reports which files were created, skipped, or errored.
type ScaffoldResult struct {
	Created []string
	Skipped []string
	Errors  []string
}

// ScaffoldWorkspace writes each identity template into the workspace
// directory. Existing files are skipped unless force is set.
func ScaffoldWorkspace(path string, force bool) (*ScaffoldResult, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	result := &ScaffoldResult{}
	for _, name := range TemplateNames {
		dst := filepath.Join(path, name)
		if !force {
			if _, err := os.Stat(dst); err == nil {
				result.Skipped = append(result.Skipped, name)
				continue
			}
		}
		data, err := Template(name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		result.Created = append(result.Created, name)
	}
	return result, nil
}

// SystemPrompt assembles the identity section of the system prompt from the
// workspace's identity files, falling back to the embedded templates.
func SystemPrompt(workspacePath string) string {
	var sb strings.Builder
	for _, name := range TemplateNames {
		var data []byte
		if workspacePath != "" {
			if d, err := os.ReadFile(filepath.Join(workspacePath, name)); err == nil {
				data = d
			}
		}
		if data == nil {
			data, _ = Template(name)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}
