// Package grok adapts the xAI chat completions API to the normalized
// provider stream. The wire format is OpenAI-compatible with xAI extensions
// for reasoning content, live search and citations.
package grok

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

const defaultBaseURL = "https://api.x.ai"

// thinkingSentinel is a placeholder reasoning chunk xAI emits while the
// model has produced no real reasoning text yet.
const thinkingSentinel = "Thinking..."

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

func (p *Provider) Name() string { return "grok" }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model            string         `json:"model"`
	Temperature      *float64       `json:"temperature,omitempty"`
	Messages         []chatMessage  `json:"messages"`
	Stream           bool           `json:"stream"`
	StreamOptions    map[string]any `json:"stream_options,omitempty"`
	ReasoningEffort  string         `json:"reasoning_effort,omitempty"`
	SearchParameters map[string]any `json:"search_parameters,omitempty"`
}

func (p *Provider) buildRequest(req provider.Request) (*chatRequest, error) {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	if req.Instructions != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.Instructions})
	}
	for _, turn := range req.History {
		converted, err := convertTurn(turn, req.UploadRoot)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, converted)
	}

	body := &chatRequest{
		Model:           req.Model,
		Temperature:     req.Temperature,
		Messages:        msgs,
		Stream:          req.Stream,
		ReasoningEffort: provider.GrokEffortForLevel(req.ReasoningLevel),
	}
	if req.Stream {
		body.StreamOptions = map[string]any{"include_usage": true}
	}
	if req.Search {
		body.SearchParameters = map[string]any{
			"mode":             "on",
			"return_citations": true,
		}
	}

	return body, nil
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
				continue
			}
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url":    "data:" + mediaType + ";base64," + data,
					"detail": "high",
				},
			})
		default:
			return chatMessage{}, fmt.Errorf("unsupported content part %T", part)
		}
	}
	return chatMessage{Role: "user", Content: parts}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build grok request: %w", err)
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

func (p *Provider) runStream(ctx context.Context, body *chatRequest, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/chat/completions", body, httpx.Bearer(p.apiKey))
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	var citations []string
	var usage billing.Usage
	var sawUsage bool

	scanner := httpx.NewScanner(resp.Body)
	for {
		payload, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			send(ctx, events, provider.Error{Err: err, Timestamp: now()})
			return
		}
		chunk := gjson.Parse(payload)

		if errObj := chunk.Get("error"); errObj.Exists() {
			send(ctx, events, provider.Error{
				Err:       fmt.Errorf("%s", errObj.Get("message").String()),
				Timestamp: now(),
			})
			return
		}

		delta := chunk.Get("choices.0.delta")
		if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
			if strings.TrimSpace(reasoning.String()) != thinkingSentinel {
				if !send(ctx, events, provider.ThinkingDelta{Text: reasoning.String(), Timestamp: now()}) {
					return
				}
			}
		}
		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			if !send(ctx, events, provider.TextDelta{Text: text.String(), Timestamp: now()}) {
				return
			}
		}

		if cs := chunk.Get("citations"); cs.Exists() {
			citations = citations[:0]
			for _, c := range cs.Array() {
				citations = append(citations, c.String())
			}
		}
		if uv := chunk.Get("usage"); uv.Exists() {
			sawUsage = true
			usage = billing.Usage{
				InputTokens:     uv.Get("prompt_tokens").Int(),
				OutputTokens:    uv.Get("completion_tokens").Int(),
				ReasoningTokens: uv.Get("completion_tokens_details.reasoning_tokens").Int(),
			}
		}
	}

	if sawUsage {
		if !send(ctx, events, provider.Usage{Usage: usage, Timestamp: now()}) {
			return
		}
	}
	if len(citations) > 0 {
		send(ctx, events, provider.Citations{URLs: citations, Timestamp: now()})
	}
}

func (p *Provider) runOnce(ctx context.Context, body *chatRequest, events chan<- provider.StreamEvent) {
	resp, err := httpx.PostStream(ctx, p.client, p.baseURL+"/v1/chat/completions", body, httpx.Bearer(p.apiKey))
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

	message := result.Get("choices.0.message")
	provider.EmitPaced(ctx, events, message.Get("reasoning_content").String(), true)
	provider.EmitPaced(ctx, events, message.Get("content").String(), false)

	uv := result.Get("usage")
	if !send(ctx, events, provider.Usage{
		Usage: billing.Usage{
			InputTokens:     uv.Get("prompt_tokens").Int(),
			OutputTokens:    uv.Get("completion_tokens").Int(),
			ReasoningTokens: uv.Get("completion_tokens_details.reasoning_tokens").Int(),
		},
		Timestamp: now(),
	}) {
		return
	}

	if cs := result.Get("citations"); cs.Exists() {
		var citations []string
		for _, c := range cs.Array() {
			citations = append(citations, c.String())
		}
		if len(citations) > 0 {
			send(ctx, events, provider.Citations{URLs: citations, Timestamp: now()})
		}
	}
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
