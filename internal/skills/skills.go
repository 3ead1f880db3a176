// Package skills loads the user's JSON-described skill catalog. Guideline
// skills are inlined into the system prompt; task skills become invocable
// tools.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/coworkos/cowork/internal/policy"
)

// Skill types, split at read time. Untagged skills default to task.
const (
	TypeTask      = "task"
	TypeGuideline = "guideline"
)

// Parameter describes one substitutable skill parameter.
type Parameter struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // string | number | boolean | select
	Required bool     `json:"required"`
	Default  any      `json:"default,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Skill is the on-disk skill document.
type Skill struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Icon        string      `json:"icon,omitempty"`
	Category    string      `json:"category,omitempty"`
	Prompt      string      `json:"prompt"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Enabled     bool        `json:"enabled"`
	Type        string      `json:"type,omitempty"`
	Priority    int         `json:"priority,omitempty"`
}

// Kind returns the normalized skill type.
func (s *Skill) Kind() string {
	if s.Type == TypeGuideline {
		return TypeGuideline
	}
	return TypeTask
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes {{param}} placeholders. Unresolved placeholders are
// removed.
func (s *Skill) Render(args map[string]any) string {
	values := make(map[string]string, len(s.Parameters)+len(args))
	for _, p := range s.Parameters {
		if p.Default != nil {
			values[p.Name] = fmt.Sprint(p.Default)
		}
	}
	for k, v := range args {
		values[k] = fmt.Sprint(v)
	}
	return placeholderRe.ReplaceAllStringFunc(s.Prompt, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return values[name]
	})
}

// Catalog is the loaded skill set.
type Catalog struct {
	skills []Skill
}

// LoadDir reads every *.json skill file under dir. A missing directory
// yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	cat := &Catalog{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var s Skill
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if strings.TrimSpace(s.ID) == "" {
			s.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		cat.skills = append(cat.skills, s)
	}
	sort.SliceStable(cat.skills, func(i, j int) bool {
		return cat.skills[i].Priority > cat.skills[j].Priority
	})
	return cat, nil
}

// Guidelines returns the enabled guideline skills' prompts, priority order,
// for concatenation into the system prompt.
func (c *Catalog) Guidelines() []string {
	var out []string
	for _, s := range c.skills {
		if s.Enabled && s.Kind() == TypeGuideline {
			out = append(out, s.Render(nil))
		}
	}
	return out
}

// TaskSkills returns the enabled task skills.
func (c *Catalog) TaskSkills() []Skill {
	var out []Skill
	for _, s := range c.skills {
		if s.Enabled && s.Kind() == TypeTask {
			out = append(out, s)
		}
	}
	return out
}

// All returns every loaded skill.
func (c *Catalog) All() []Skill {
	out := make([]Skill, len(c.skills))
	copy(out, c.skills)
	return out
}

// SkillTool exposes one task skill as an invocable tool. Executing it returns
// the rendered prompt for the executor to fold into the thread.
type SkillTool struct {
	skill Skill
}

// NewSkillTool wraps a task skill.
func NewSkillTool(s Skill) *SkillTool { return &SkillTool{skill: s} }

func (t *SkillTool) Name() string        { return "skill_" + sanitizeID(t.skill.ID) }
func (t *SkillTool) Description() string { return t.skill.Description }

func (t *SkillTool) Schema() map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range t.skill.Parameters {
		prop := map[string]any{"type": jsonType(p.Type)}
		if len(p.Options) > 0 {
			prop["enum"] = p.Options
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (t *SkillTool) PolicyRequest(params map[string]any) policy.Request {
	return policy.Request{Tool: t.Name(), Risk: policy.RiskRead}
}

func (t *SkillTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	for _, p := range t.skill.Parameters {
		if p.Required && p.Default == nil {
			if _, ok := params[p.Name]; !ok {
				return "", fmt.Errorf("missing required parameter: %s", p.Name)
			}
		}
	}
	return t.skill.Render(params), nil
}

func jsonType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

var idSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeID(id string) string {
	out := idSanitizeRe.ReplaceAllString(id, "_")
	if out == "" {
		out = "skill"
	}
	return out
}
