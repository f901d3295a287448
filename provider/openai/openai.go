// Package openai adapts the OpenAI Responses API to the normalized provider
// stream. It speaks the SSE wire protocol directly; the chat-completions
// compatible vendors live in the compat package instead.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/internal/httpx"
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
)

const defaultBaseURL = "https://api.openai.com"

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

func (p *Provider) Name() string { return "openai" }

type inputMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type reasoningConfig struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

type responsesRequest struct {
	Model        string           `json:"model"`
	Temperature  *float64         `json:"temperature,omitempty"`
	Instructions string           `json:"instructions,omitempty"`
	Input        []inputMessage   `json:"input"`
	Stream       bool             `json:"stream"`
	Background   bool             `json:"background"`
	Reasoning    *reasoningConfig `json:"reasoning,omitempty"`
	Tools        []map[string]any `json:"tools,omitempty"`
}

func (p *Provider) buildRequest(req provider.Request) (*responsesRequest, error) {
	input := make([]inputMessage, 0, len(req.History))
	for _, turn := range req.History {
		converted, err := convertTurn(turn, req.UploadRoot)
		if err != nil {
			return nil, err
		}
		input = append(input, converted)
	}

	body := &responsesRequest{
		Model:        req.Model,
		Temperature:  req.Temperature,
		Instructions: req.Instructions,
		Input:        input,
		Stream:       req.Stream,
		// long reasoning and research runs survive proxy idle timeouts in
		// background mode, but background is incompatible with mcp tools
		Background: req.Stream && (req.ReasoningLevel > 0 || req.DeepResearch) && len(req.McpServers) == 0,
	}

	if effort := provider.EffortForLevel(req.ReasoningLevel); effort != "" {
		body.Reasoning = &reasoningConfig{Effort: effort, Summary: "auto"}
	}
	if req.Search {
		body.Tools = []map[string]any{{"type": "web_search_preview"}}
	}
	if req.DeepResearch {
		body.Tools = []map[string]any{
			{"type": "web_search_preview"},
			{"type": "code_interpreter", "container": map[string]any{"type": "auto"}},
		}
	}
	if len(req.McpServers) > 0 {
		tools := make([]map[string]any, 0, len(req.McpServers))
		for _, srv := range req.McpServers {
			tools = append(tools, map[string]any{
				"type":             "mcp",
				"server_label":     srv.Name,
				"server_url":       srv.URL,
				"require_approval": "never",
				"headers":          map[string]string{"Authorization": "Bearer " + srv.AuthToken},
			})
		}
		body.Tools = tools
	}

	return body, nil
}

func convertTurn(turn messages.Turn, uploadRoot string) (inputMessage, error) {
	if turn.Role == messages.RoleAssistant {
		return inputMessage{Role: "assistant", Content: turn.Content.Text}, nil
	}

	if turn.Content.Text != "" {
		return inputMessage{Role: "user", Content: []map[string]any{{"type": "input_text", "text": turn.Content.Text}}}, nil
	}

	parts := make([]map[string]any, 0, len(turn.Content.Parts))
	for _, part := range turn.Content.Parts {
		switch pt := part.(type) {
		case messages.TextPart:
			parts = append(parts, map[string]any{"type": "input_text", "text": pt.Text})
		case messages.FilePart:
			parts = append(parts, map[string]any{"type": "input_text", "text": pt.Path})
		case messages.URLPart:
			parts = append(parts, map[string]any{"type": "input_text", "text": pt.Text})
		case messages.ImagePart:
			data, mediaType, err := provider.Base64Upload(uploadRoot, pt.Path)
			if err != nil {
				continue
			}
			parts = append(parts, map[string]any{
				"type":      "input_image",
				"image_url": "data:" + mediaType + ";base64," + data,
			})
		default:
			return inputMessage{}, fmt.Errorf("unsupported content part %T", part)
		}
	}
	return inputMessage{Role: "user", Content: parts}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		if req.Stream {
			p.runStream(ctx, body, events)
		} else {
			p.runOnce(ctx, body, events)
		}
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, body *responsesRequest, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/responses", body, httpx.Bearer(p.apiKey))
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	defer resp.Body.Close() //nolint:errcheck

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
		case "response.reasoning_summary_text.delta":
			if !send(ctx, events, provider.ThinkingDelta{Text: chunk.Get("delta").String(), Timestamp: now()}) {
				return
			}
		case "response.output_text.delta":
			if !send(ctx, events, provider.TextDelta{Text: chunk.Get("delta").String(), Timestamp: now()}) {
				return
			}
		case "response.output_item.added":
			item := chunk.Get("item")
			var tu messages.ToolUse
			switch item.Get("type").String() {
			case "mcp_call":
				tu = messages.ToolUse{
					ToolID:     item.Get("id").String(),
					ServerName: item.Get("server_label").String(),
					ToolName:   item.Get("name").String(),
				}
			case "web_search_call":
				tu = messages.ToolUse{
					ToolID:     item.Get("id").String(),
					ServerName: "OpenAI",
					ToolName:   "web_search",
				}
			default:
				continue
			}
			tools[tu.ToolID] = tu
			if !send(ctx, events, provider.ToolUseStart{Tool: tu, Timestamp: now()}) {
				return
			}
		case "response.output_item.done":
			item := chunk.Get("item")
			tu, seen := tools[item.Get("id").String()]
			if !seen {
				continue
			}
			outcome := messages.ToolOutcome{
				ToolID:     tu.ToolID,
				ServerName: tu.ServerName,
				ToolName:   tu.ToolName,
			}
			switch item.Get("type").String() {
			case "mcp_call":
				if errObj := item.Get("error"); errObj.Exists() && errObj.Type != gjson.Null {
					outcome.IsError = true
					outcome.Result = errObj.Get("content.0.text").String()
				} else {
					outcome.Result = item.Get("output").String()
				}
			case "web_search_call":
				outcome.IsError = item.Get("status").String() != "completed"
			default:
				continue
			}
			if !send(ctx, events, provider.ToolResult{Outcome: outcome, Timestamp: now()}) {
				return
			}
		case "response.completed":
			if usage := chunk.Get("response.usage"); usage.Exists() {
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
				Err:       fmt.Errorf("%s", chunk.Get("message").String()),
				Timestamp: now(),
			})
			return
		}
	}
}

func (p *Provider) runOnce(ctx context.Context, body *responsesRequest, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/responses", body, httpx.Bearer(p.apiKey))
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

	var text string
	for _, item := range result.Get("output").Array() {
		if item.Get("type").String() != "message" {
			continue
		}
		for _, part := range item.Get("content").Array() {
			if part.Get("type").String() == "output_text" {
				text += part.Get("text").String()
			}
		}
	}
	provider.EmitPaced(ctx, events, text, false)

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
