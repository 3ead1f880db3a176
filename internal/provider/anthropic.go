package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"

	transportRetries  = 3
	transportBaseWait = 500 * time.Millisecond
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey, apiBase, model string) *AnthropicProvider {
	if apiBase == "" {
		apiBase = anthropicDefaultBase
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// DefaultModel returns the configured model.
func (p *AnthropicProvider) DefaultModel() string { return p.model }

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateMessage sends one completion request. Transport errors are retried
// with exponential backoff up to a fixed cap; 4xx errors surface immediately.
func (p *AnthropicProvider) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   encodeAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		body["system"] = req.System
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
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
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
			slog.Debug("Retrying provider call", "attempt", attempt)
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

func (p *AnthropicProvider) doOnce(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
		return nil, fmt.Errorf("anthropic api error %d: %s", httpResp.StatusCode, truncate(string(data), 300))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, errors.New("anthropic api error: " + parsed.Error.Message)
	}

	out := &Response{
		StopReason: parsed.StopReason,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	for _, c := range parsed.Content {
		switch c.Type {
		case "text":
			out.Content = append(out.Content, TextBlock(c.Text))
		case "tool_use":
			var input map[string]any
			if len(c.Input) > 0 {
				_ = json.Unmarshal(c.Input, &input)
			}
			out.Content = append(out.Content, ContentBlock{
				Type: BlockToolUse, ID: c.ID, Name: c.Name, Input: input,
			})
		}
	}
	if out.StopReason == "" {
		out.StopReason = StopEndTurn
	}
	return out, nil
}

func encodeAnthropicMessages(messages []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		enc := anthropicMessage{Role: m.Role}
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				enc.Content = append(enc.Content, map[string]any{"type": "text", "text": b.Text})
			case BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				enc.Content = append(enc.Content, map[string]any{
					"type": "tool_use", "id": b.ID, "name": b.Name, "input": input,
				})
			case BlockToolResult:
				enc.Content = append(enc.Content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": b.ToolUseID,
					"content":     b.Content,
					"is_error":    b.IsError,
				})
			}
		}
		out = append(out, enc)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
