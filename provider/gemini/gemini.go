// Package gemini adapts the Google Generative Language API to the
// normalized provider stream, using the REST endpoints with alt=sse for
// streaming. It also implements one-shot completions for utility calls.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

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

func (p *Provider) Name() string { return "gemini" }

type content struct {
	Role  string           `json:"role"`
	Parts []map[string]any `json:"parts"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any   `json:"generationConfig,omitempty"`
	Tools             []map[string]any `json:"tools,omitempty"`
}

func (p *Provider) buildRequest(req provider.Request) (*generateRequest, error) {
	contents := make([]content, 0, len(req.History))
	for _, turn := range req.History {
		converted, err := convertTurn(turn, req.UploadRoot)
		if err != nil {
			return nil, err
		}
		contents = append(contents, converted)
	}

	generation := map[string]any{}
	if req.Temperature != nil {
		generation["temperature"] = *req.Temperature
	}
	if budget := provider.BudgetForLevel(req.ReasoningLevel); budget > 0 {
		generation["thinkingConfig"] = map[string]any{
			"thinkingBudget":  budget,
			"includeThoughts": true,
		}
	}

	body := &generateRequest{
		Contents:         contents,
		GenerationConfig: generation,
	}
	if req.Instructions != "" {
		body.SystemInstruction = &content{Parts: []map[string]any{{"text": req.Instructions}}}
	}
	if req.Search {
		body.Tools = []map[string]any{{"google_search": map[string]any{}}}
	}

	return body, nil
}

func convertTurn(turn messages.Turn, uploadRoot string) (content, error) {
	if turn.Role == messages.RoleAssistant {
		return content{Role: "model", Parts: []map[string]any{{"text": turn.Content.Text}}}, nil
	}

	if turn.Content.Text != "" {
		return content{Role: "user", Parts: []map[string]any{{"text": turn.Content.Text}}}, nil
	}

	parts := make([]map[string]any, 0, len(turn.Content.Parts))
	for _, part := range turn.Content.Parts {
		switch pt := part.(type) {
		case messages.TextPart:
			parts = append(parts, map[string]any{"text": pt.Text})
		case messages.FilePart:
			parts = append(parts, map[string]any{"text": pt.Path})
		case messages.URLPart:
			parts = append(parts, map[string]any{"text": pt.Text})
		case messages.ImagePart:
			data, mediaType, err := provider.Base64Upload(uploadRoot, pt.Path)
			if err != nil {
				continue
			}
			parts = append(parts, map[string]any{
				"inline_data": map[string]any{
					"mime_type": mediaType,
					"data":      data,
				},
			})
		default:
			return content{}, fmt.Errorf("unsupported content part %T", part)
		}
	}
	return content{Role: "user", Parts: parts}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		if req.Stream {
			p.runStream(ctx, req.Model, body, events)
		} else {
			p.runOnce(ctx, req.Model, body, events)
		}
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, model string, body *generateRequest, events chan<- provider.StreamEvent) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
	resp, err := httpx.PostStream(ctx, p.client, url, body, p.authHeader())
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	// usageMetadata rides on every chunk as a cumulative snapshot; hold
	// the latest and report it once when the stream ends
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

		for _, part := range chunk.Get("candidates.0.content.parts").Array() {
			text := part.Get("text")
			if !text.Exists() {
				continue
			}
			var ev provider.StreamEvent
			if part.Get("thought").Bool() {
				ev = provider.ThinkingDelta{Text: text.String(), Timestamp: now()}
			} else {
				ev = provider.TextDelta{Text: text.String(), Timestamp: now()}
			}
			if !send(ctx, events, ev) {
				return
			}
		}

		if meta := chunk.Get("usageMetadata"); meta.Exists() {
			sawUsage = true
			usage = billing.Usage{
				InputTokens:     meta.Get("promptTokenCount").Int(),
				OutputTokens:    meta.Get("candidatesTokenCount").Int(),
				ReasoningTokens: meta.Get("thoughtsTokenCount").Int(),
			}
		}
	}

	if sawUsage {
		send(ctx, events, provider.Usage{Usage: usage, Timestamp: now()})
	}
}

func (p *Provider) runOnce(ctx context.Context, model string, body *generateRequest, events chan<- provider.StreamEvent) {
	result, err := p.generate(ctx, model, body)
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}

	var thinking, text strings.Builder
	for _, part := range result.Get("candidates.0.content.parts").Array() {
		tv := part.Get("text")
		if !tv.Exists() {
			continue
		}
		if part.Get("thought").Bool() {
			thinking.WriteString(tv.String())
		} else {
			text.WriteString(tv.String())
		}
	}

	provider.EmitPaced(ctx, events, thinking.String(), true)
	provider.EmitPaced(ctx, events, text.String(), false)

	usage := result.Get("usageMetadata")
	send(ctx, events, provider.Usage{
		Usage: billing.Usage{
			InputTokens:     usage.Get("promptTokenCount").Int(),
			OutputTokens:    usage.Get("candidatesTokenCount").Int(),
			ReasoningTokens: usage.Get("thoughtsTokenCount").Int(),
		},
		Timestamp: now(),
	})
}

// Complete runs a one-shot generation and returns the trimmed response text.
func (p *Provider) Complete(ctx context.Context, req provider.CompleteRequest) (string, error) {
	body := &generateRequest{
		Contents: []content{{Role: "user", Parts: []map[string]any{{"text": req.Prompt}}}},
		GenerationConfig: map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []map[string]any{{"text": req.System}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig["maxOutputTokens"] = req.MaxTokens
	}

	result, err := p.generate(ctx, req.Model, body)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, part := range result.Get("candidates.0.content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}
	return strings.TrimSpace(text.String()), nil
}

func (p *Provider) generate(ctx context.Context, model string, body *generateRequest) (gjson.Result, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)
	resp, err := httpx.PostStream(ctx, p.client, url, body, p.authHeader())
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	result := gjson.ParseBytes(raw)
	if errObj := result.Get("error"); errObj.Exists() {
		return gjson.Result{}, fmt.Errorf("%s", errObj.Get("message").String())
	}
	return result, nil
}

func (p *Provider) authHeader() httpx.Header {
	return httpx.Header{Key: "x-goog-api-key", Value: p.apiKey}
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
