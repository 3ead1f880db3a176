package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider talks to any chat-completions-compatible endpoint (OpenAI,
// OpenRouter, Ollama). Tool names are remapped through a NameMapper because
// these endpoints restrict the identifier alphabet.
type OpenAIProvider struct {
	apiKey  string
	apiBase string
	model   string
	names   *NameMapper
	client  *http.Client
}

// NewOpenAIProvider creates a chat-completions-backed provider.
func NewOpenAIProvider(apiKey, apiBase, model string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		names:   NewNameMapper(),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// DefaultModel returns the configured model.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateMessage sends one completion request with the same retry policy as
// the Anthropic adapter.
func (p *OpenAIProvider) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := map[string]any{
		"model":    model,
		"messages": p.encodeMessages(req),
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        p.names.Wire(t.Name),
					"description": t.Description,
					"parameters":  schema,
				},
			})
		}
		body["tools"] = tools
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			wait := transportBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}
		resp, err := p.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if !IsTransport(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *OpenAIProvider) doOnce(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &TransportError{Err: err}
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransportError{Err: fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(string(data), 300))}
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat api error %d: %s", httpResp.StatusCode, truncate(string(data), 300))
	}

	var parsed oaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("empty choices")
	}

	choice := parsed.Choices[0]
	out := &Response{
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		out.Content = append(out.Content, ContentBlock{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  p.names.Original(tc.Function.Name),
			Input: input,
		})
	}

	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = StopToolUse
	case "length":
		out.StopReason = StopMaxTokens
	case "stop":
		out.StopReason = StopEndTurn
	default:
		out.StopReason = StopEndTurn
	}
	return out, nil
}

// encodeMessages flattens block messages into the chat-completions shape:
// tool_use becomes assistant tool_calls, tool_result becomes role "tool".
func (p *OpenAIProvider) encodeMessages(req *Request) []oaMessage {
	out := make([]oaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, oaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		var text string
		var calls []oaToolCall
		var results []oaMessage
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				text += b.Text
			case BlockToolUse:
				args, _ := json.Marshal(b.Input)
				call := oaToolCall{ID: b.ID, Type: "function"}
				call.Function.Name = p.names.Wire(b.Name)
				call.Function.Arguments = string(args)
				calls = append(calls, call)
			case BlockToolResult:
				results = append(results, oaMessage{
					Role:       "tool",
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if text != "" || len(calls) > 0 {
			out = append(out, oaMessage{Role: m.Role, Content: text, ToolCalls: calls})
		}
		out = append(out, results...)
	}
	return out
}
