package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNameMapperStableRemap(t *testing.T) {
	m := NewNameMapper()
	wire := m.Wire("mcp:files/read")
	if wire == "mcp:files/read" {
		t.Fatal("restricted characters must be remapped")
	}
	if m.Wire("mcp:files/read") != wire {
		t.Fatal("remapping must be stable")
	}
	if m.Original(wire) != "mcp:files/read" {
		t.Fatal("remapping must round-trip")
	}
}

func TestNameMapperInjective(t *testing.T) {
	m := NewNameMapper()
	a := m.Wire("tool.a")
	b := m.Wire("tool/a")
	if a == b {
		t.Fatalf("colliding sanitizations must stay distinct: %q vs %q", a, b)
	}
	if m.Original(a) != "tool.a" || m.Original(b) != "tool/a" {
		t.Fatal("round-trip broken after collision handling")
	}
}

func TestNameMapperPassThrough(t *testing.T) {
	m := NewNameMapper()
	if m.Wire("read_file") != "read_file" {
		t.Fatal("valid names must pass through unchanged")
	}
}

func TestAnthropicToolUseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "on it"},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": map[string]any{"path": "a.txt"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", srv.URL, "test-model")
	resp, err := p.CreateMessage(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: []ContentBlock{TextBlock("read a.txt")}}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Fatalf("stop = %q", resp.StopReason)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "read_file" || uses[0].Input["path"] != "a.txt" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if resp.Usage.Total() != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", srv.URL, "m")
	resp, err := p.CreateMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if resp.Text() != "ok" || calls.Load() != 3 {
		t.Fatalf("text=%q calls=%d", resp.Text(), calls.Load())
	}
}

func TestAnthropic4xxSurfacesImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", srv.URL, "m")
	if _, err := p.CreateMessage(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, calls=%d", calls.Load())
	}
}

func TestAnthropicCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", srv.URL, "m")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := p.CreateMessage(ctx, &Request{})
	if err != ErrCancelled {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
}

func TestOpenAIToolCallMapping(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "mcp_files_read",
							"arguments": `{"path":"a.txt"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL, "m")
	resp, err := p.CreateMessage(context.Background(), &Request{
		System: "be helpful",
		Tools:  []Tool{{Name: "mcp:files/read", Description: "read"}},
		Messages: []Message{
			{Role: "user", Content: []ContentBlock{TextBlock("go")}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The wire tool name is sanitized; the response maps back to the original.
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "mcp:files/read" {
		t.Fatalf("tool name not round-tripped: %+v", uses)
	}
	if resp.StopReason != StopToolUse {
		t.Fatalf("stop = %q", resp.StopReason)
	}

	msgs := captured["messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be helpful" {
		t.Fatalf("system prompt not first message: %+v", first)
	}
}

func TestOpenAIToolResultEncoding(t *testing.T) {
	p := NewOpenAIProvider("k", "http://unused", "m")
	msgs := p.encodeMessages(&Request{
		Messages: []Message{
			{Role: "assistant", Content: []ContentBlock{
				{Type: BlockToolUse, ID: "call_1", Name: "read_file", Input: map[string]any{"path": "a"}},
			}},
			{Role: "user", Content: []ContentBlock{
				ToolResultBlock("call_1", "contents", false),
			}},
		},
	})
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[0])
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "call_1" {
		t.Fatalf("tool result mapping: %+v", msgs[1])
	}
}
