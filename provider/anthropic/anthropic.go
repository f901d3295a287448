// Package anthropic adapts the Anthropic Messages API to the normalized
// provider stream. It speaks the SSE wire protocol directly.
package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/internal/httpx"
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	mcpBeta        = "mcp-client-2025-04-04"

	baseMaxTokens = 4096
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var (
	WithBaseURL    = opts.ForName[Provider, string]("baseURL")
	WithHTTPClient = opts.ForName[Provider, *http.Client]("client")
)

func New(apiKey string, options ...opts.Option[Provider]) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	if err := opts.Apply(p, options); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Name() string { return "anthropic" }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int64  `json:"budget_tokens"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int64            `json:"max_tokens"`
	System      string           `json:"system,omitempty"`
	Messages    []chatMessage    `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
	Thinking    *thinkingConfig  `json:"thinking,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	McpServers  []map[string]any `json:"mcp_servers,omitempty"`
}

func (p *Provider) buildRequest(req provider.Request) (*chatRequest, []httpx.Header, error) {
	msgs := make([]chatMessage, 0, len(req.History))
	for _, turn := range req.History {
		converted, err := convertTurn(turn, req.UploadRoot)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, converted)
	}

	body := &chatRequest{
		Model:       req.Model,
		MaxTokens:   baseMaxTokens,
		System:      req.Instructions,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}

	if budget := provider.BudgetForLevel(req.ReasoningLevel); budget > 0 {
		// the budget rides on top of the answer allowance
		body.MaxTokens = budget + baseMaxTokens
		body.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		// thinking rejects explicit temperatures
		body.Temperature = nil
	}
	if req.Search {
		body.Tools = append(body.Tools, map[string]any{
			"name": "web_search",
			"type": "web_search_20250305",
		})
	}

	headers := []httpx.Header{
		{Key: "x-api-key", Value: p.apiKey},
		{Key: "anthropic-version", Value: apiVersion},
	}
	if len(req.McpServers) > 0 {
		for _, srv := range req.McpServers {
			body.McpServers = append(body.McpServers, map[string]any{
				"type":                "url",
				"url":                 srv.URL,
				"name":                srv.Name,
				"authorization_token": srv.AuthToken,
			})
		}
		headers = append(headers, httpx.Header{Key: "anthropic-beta", Value: mcpBeta})
	}

	return body, headers, nil
}

func convertTurn(turn messages.Turn, uploadRoot string) (chatMessage, error) {
	if turn.Role == messages.RoleAssistant {
		return chatMessage{Role: "assistant", Content: turn.Content.Text}, nil
	}

	if turn.Content.Text != "" {
		return chatMessage{Role: "user", Content: turn.Content.Text}, nil
	}

	parts := make([]map[string]any, 0, len(turn.Content.Parts))
	for _, part := range turn.Content.Parts {
		switch pt := part.(type) {
		case messages.TextPart:
			parts = append(parts, map[string]any{"type": "text", "text": pt.Text})
		case messages.FilePart:
			parts = append(parts, map[string]any{"type": "text", "text": pt.Path})
		case messages.URLPart:
			parts = append(parts, map[string]any{"type": "text", "text": pt.Text})
		case messages.ImagePart:
			data, mediaType, err := provider.Base64Upload(uploadRoot, pt.Path)
			if err != nil {
				// unreadable uploads degrade to text-only history
				continue
			}
			parts = append(parts, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			})
		default:
			return chatMessage{}, fmt.Errorf("unsupported content part %T", part)
		}
	}
	return chatMessage{Role: "user", Content: parts}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	body, headers, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		if req.Stream {
			p.runStream(ctx, body, headers, events)
		} else {
			p.runOnce(ctx, body, headers, events)
		}
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, body *chatRequest, headers []httpx.Header, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/messages", body, headers...)
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	// tool_use ids seen so far, so results can be attributed
	tools := map[string]messages.ToolUse{}

	scanner := httpx.NewScanner(resp.Body)
	for {
		payload, err := scanner.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			send(ctx, events, provider.Error{Err: err, Timestamp: now()})
			return
		}
		chunk := gjson.Parse(payload)

		switch chunk.Get("type").String() {
		case "content_block_start":
			block := chunk.Get("content_block")
			switch block.Get("type").String() {
			case "mcp_tool_use":
				tu := messages.ToolUse{
					ToolID:     block.Get("id").String(),
					ServerName: block.Get("server_name").String(),
					ToolName:   block.Get("name").String(),
				}
				tools[tu.ToolID] = tu
				if !send(ctx, events, provider.ToolUseStart{Tool: tu, Timestamp: now()}) {
					return
				}
			case "server_tool_use":
				tu := messages.ToolUse{
					ToolID:     block.Get("id").String(),
					ServerName: "Claude",
					ToolName:   block.Get("name").String(),
				}
				tools[tu.ToolID] = tu
				if !send(ctx, events, provider.ToolUseStart{Tool: tu, Timestamp: now()}) {
					return
				}
			case "mcp_tool_result":
				tu := tools[block.Get("tool_use_id").String()]
				var result strings.Builder
				for _, item := range block.Get("content").Array() {
					result.WriteString(item.Get("text").String())
				}
				outcome := messages.ToolOutcome{
					ToolID:     block.Get("tool_use_id").String(),
					ServerName: tu.ServerName,
					ToolName:   tu.ToolName,
					IsError:    block.Get("is_error").Bool(),
					Result:     result.String(),
				}
				if !send(ctx, events, provider.ToolResult{Outcome: outcome, Timestamp: now()}) {
					return
				}
			case "web_search_tool_result":
				tu, seen := tools[block.Get("tool_use_id").String()]
				if !seen {
					tu = messages.ToolUse{ServerName: "Claude", ToolName: "web_search"}
				}
				var lines []string
				for i, item := range block.Get("content").Array() {
					lines = append(lines, fmt.Sprintf("%d. %s\n%s", i+1, item.Get("title").String(), item.Get("url").String()))
				}
				outcome := messages.ToolOutcome{
					ToolID:     block.Get("tool_use_id").String(),
					ServerName: tu.ServerName,
					ToolName:   tu.ToolName,
					Result:     strings.Join(lines, "\n\n"),
				}
				if !send(ctx, events, provider.ToolResult{Outcome: outcome, Timestamp: now()}) {
					return
				}
			}
		case "content_block_delta":
			delta := chunk.Get("delta")
			if thinking := delta.Get("thinking"); thinking.Exists() {
				if !send(ctx, events, provider.ThinkingDelta{Text: thinking.String(), Timestamp: now()}) {
					return
				}
			} else if text := delta.Get("text"); text.Exists() {
				if !send(ctx, events, provider.TextDelta{Text: text.String(), Timestamp: now()}) {
					return
				}
			}
		case "message_delta":
			if usage := chunk.Get("usage"); usage.Exists() {
				ev := provider.Usage{
					Usage: billing.Usage{
						InputTokens:  usage.Get("input_tokens").Int(),
						OutputTokens: usage.Get("output_tokens").Int(),
					},
					Timestamp: now(),
				}
				if !send(ctx, events, ev) {
					return
				}
			}
		case "error":
			send(ctx, events, provider.Error{
				Err:       fmt.Errorf("%s", chunk.Get("error.message").String()),
				Timestamp: now(),
			})
			return
		}
	}
}

func (p *Provider) runOnce(ctx context.Context, body *chatRequest, headers []httpx.Header, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/messages", body, headers...)
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	result := gjson.ParseBytes(raw)

	var thinking, text strings.Builder
	for _, block := range result.Get("content").Array() {
		switch block.Get("type").String() {
		case "thinking":
			thinking.WriteString(block.Get("thinking").String())
		case "text":
			text.WriteString(block.Get("text").String())
		}
	}

	provider.EmitPaced(ctx, events, thinking.String(), true)
	provider.EmitPaced(ctx, events, text.String(), false)

	usage := result.Get("usage")
	send(ctx, events, provider.Usage{
		Usage: billing.Usage{
			InputTokens:  usage.Get("input_tokens").Int(),
			OutputTokens: usage.Get("output_tokens").Int(),
		},
		Timestamp: now(),
	})
}

func send(ctx context.Context, events chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func now() strfmt.DateTime {
	return strfmt.DateTime(time.Now())
}
