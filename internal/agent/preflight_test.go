package agent

import (
	"context"
	"testing"
	"time"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/provider"
	"github.com/coworkos/cowork/internal/store"
)

func TestReferencesFiles(t *testing.T) {
	yes := []string{
		"move all .log files into ./logs",
		"refactor the code in this repo",
		"clean up the Downloads folder",
	}
	for _, p := range yes {
		if !referencesFiles(p) {
			t.Errorf("should reference files: %q", p)
		}
	}
	no := []string{
		"what's the weather like",
		"tell me a joke",
	}
	for _, p := range no {
		if referencesFiles(p) {
			t.Errorf("should not reference files: %q", p)
		}
	}
}

func TestMentionsForeignPath(t *testing.T) {
	if !mentionsForeignPath("delete /home/other/secret.txt", "/w") {
		t.Fatal("foreign absolute path not detected")
	}
	if mentionsForeignPath("delete /w/sub/file.txt", "/w") {
		t.Fatal("in-workspace path flagged")
	}
	if mentionsForeignPath("no paths here", "/w") {
		t.Fatal("false positive")
	}
}

func TestPreflightAutoSwitchFromTemp(t *testing.T) {
	h := newHarness(t)
	cfgStore, err := config.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg, _ := config.NewWorkspaceRegistry(cfgStore)
	real, err := reg.Create("projects", h.ws.Path, h.ws.Permissions, nil)
	if err != nil {
		t.Fatalf("create ws: %v", err)
	}

	prov := &scriptedProvider{responses: []*provider.Response{
		{Content: []provider.ContentBlock{provider.TextBlock("done")}, StopReason: provider.StopEndTurn},
	}}
	task, _ := h.st.CreateTask(&store.Task{Prompt: "organize the files in my repo", WorkspaceID: config.TempWorkspaceID})
	exec := New(Options{
		Task:       task,
		Workspace:  config.TempWorkspace(),
		Workspaces: reg,
		Provider:   prov,
		Policy:     policyManager(),
		Gate:       h.gate,
		Registry:   h.reg,
		Store:      h.st,
		Sink:       &memSink{st: h.st},
		Config:     h.cfg,
	})
	exec.Run(context.Background())

	got, _ := h.st.GetTask(task.ID)
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.WorkspaceID != real.ID {
		t.Fatalf("workspace = %q, want auto-switch to %q", got.WorkspaceID, real.ID)
	}
}

func TestPreflightAwaitsInputWithoutWorkspace(t *testing.T) {
	h := newHarness(t)
	cfgStore, _ := config.NewStore(t.TempDir())
	reg, _ := config.NewWorkspaceRegistry(cfgStore) // empty registry

	prov := &scriptedProvider{responses: []*provider.Response{
		{Content: []provider.ContentBlock{provider.TextBlock("done")}, StopReason: provider.StopEndTurn},
	}}
	task, _ := h.st.CreateTask(&store.Task{Prompt: "organize my files", WorkspaceID: config.TempWorkspaceID})
	exec := New(Options{
		Task:       task,
		Workspace:  config.TempWorkspace(),
		Workspaces: reg,
		Provider:   prov,
		Policy:     policyManager(),
		Gate:       h.gate,
		Registry:   h.reg,
		Store:      h.st,
		Sink:       &memSink{st: h.st},
		Config:     h.cfg,
	})

	done := make(chan struct{})
	go func() {
		exec.Run(context.Background())
		close(done)
	}()

	// Executor suspends in awaiting_input with a reason tag.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := h.st.GetTask(task.ID)
		if got.Status == store.TaskAwaitingInput {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never reached awaiting_input")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Acknowledging resumes; preflight is not repeated.
	exec.SendUserMessage("use the temp workspace, it's fine")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not resume after acknowledgment")
	}
	got, _ := h.st.GetTask(task.ID)
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestPreflightCancelledWhileWaiting(t *testing.T) {
	h := newHarness(t)
	cfgStore, _ := config.NewStore(t.TempDir())
	reg, _ := config.NewWorkspaceRegistry(cfgStore)

	prov := &scriptedProvider{}
	task, _ := h.st.CreateTask(&store.Task{Prompt: "sort my files please", WorkspaceID: config.TempWorkspaceID})
	exec := New(Options{
		Task:       task,
		Workspace:  config.TempWorkspace(),
		Workspaces: reg,
		Provider:   prov,
		Policy:     policyManager(),
		Gate:       h.gate,
		Registry:   h.reg,
		Store:      h.st,
		Sink:       &memSink{st: h.st},
		Config:     h.cfg,
	})

	done := make(chan struct{})
	go func() {
		exec.Run(context.Background())
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	exec.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop on cancel")
	}
	got, _ := h.st.GetTask(task.ID)
	if got.Status != store.TaskCancelled {
		t.Fatalf("status = %q", got.Status)
	}
}
