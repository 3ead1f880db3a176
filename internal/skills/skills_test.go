package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestLoadDirAndSplit(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "summarize.json", `{
		"id": "summarize", "name": "Summarize", "description": "Summarize a file",
		"prompt": "Summarize {{path}} in {{style}} style.",
		"parameters": [
			{"name": "path", "type": "string", "required": true},
			{"name": "style", "type": "select", "options": ["brief", "full"], "default": "brief"}
		],
		"enabled": true, "type": "task"
	}`)
	writeSkill(t, dir, "tone.json", `{
		"id": "tone", "name": "Tone", "description": "House tone",
		"prompt": "Always answer in a friendly tone.",
		"enabled": true, "type": "guideline", "priority": 5
	}`)
	writeSkill(t, dir, "disabled.json", `{
		"id": "off", "prompt": "never seen", "enabled": false, "type": "guideline"
	}`)

	cat, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cat.All()) != 3 {
		t.Fatalf("loaded %d skills", len(cat.All()))
	}

	guidelines := cat.Guidelines()
	if len(guidelines) != 1 || guidelines[0] != "Always answer in a friendly tone." {
		t.Fatalf("guidelines = %+v", guidelines)
	}
	tasks := cat.TaskSkills()
	if len(tasks) != 1 || tasks[0].ID != "summarize" {
		t.Fatalf("task skills = %+v", tasks)
	}
}

func TestRenderSubstitution(t *testing.T) {
	s := Skill{
		Prompt: "Do {{action}} on {{target}} with {{missing}} left over.",
		Parameters: []Parameter{
			{Name: "action", Default: "review"},
		},
	}
	out := s.Render(map[string]any{"target": "a.txt"})
	if out != "Do review on a.txt with  left over." {
		t.Fatalf("render = %q", out)
	}
}

func TestUntaggedSkillDefaultsToTask(t *testing.T) {
	s := Skill{}
	if s.Kind() != TypeTask {
		t.Fatalf("kind = %q", s.Kind())
	}
}

func TestSkillTool(t *testing.T) {
	s := Skill{
		ID: "gen-report", Description: "Generate a report",
		Prompt: "Write a {{kind}} report.",
		Parameters: []Parameter{
			{Name: "kind", Type: "select", Required: true, Options: []string{"daily", "weekly"}},
		},
		Enabled: true,
	}
	tool := NewSkillTool(s)
	if tool.Name() != "skill_gen-report" {
		t.Fatalf("name = %q", tool.Name())
	}

	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("missing required parameter must fail")
	}
	out, err := tool.Execute(context.Background(), map[string]any{"kind": "daily"})
	if err != nil || out != "Write a daily report." {
		t.Fatalf("execute = %q, %v", out, err)
	}

	schema := tool.Schema()
	props := schema["properties"].(map[string]any)
	if _, ok := props["kind"]; !ok {
		t.Fatalf("schema = %+v", schema)
	}
}

func TestLoadDirMissing(t *testing.T) {
	cat, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || len(cat.All()) != 0 {
		t.Fatalf("missing dir: %v, %d", err, len(cat.All()))
	}
}
