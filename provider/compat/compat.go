// Package compat adapts any OpenAI-compatible chat completions endpoint to
// the normalized provider stream. One instance serves one vendor; the vendor
// is selected by base URL and API key at construction time. Some hosted
// models stream their reasoning inline in the content channel with only a
// closing tag, which the Inference request flag compensates for.
package compat

import (
	"context"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
)

type Provider struct {
	name   string
	client *openai.Client
}

func New(name string, options ...option.RequestOption) *Provider {
	return &Provider{
		name:   name,
		client: openai.NewClient(options...),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) buildRequest(req provider.Request) (openai.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	for _, turn := range req.History {
		msgs = append(msgs, convertTurn(turn, req.UploadRoot))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.F(req.Model),
		Messages: openai.F(msgs),
		N:        openai.Int(1),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.Stream {
		params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		})
	}

	// not every compatible vendor knows this field, so it goes in as raw
	// JSON instead of a typed param
	var reqOpts []option.RequestOption
	if effort := provider.EffortForLevel(req.ReasoningLevel); effort != "" {
		reqOpts = append(reqOpts, option.WithJSONSet("reasoning_effort", effort))
	}

	return params, reqOpts
}

func convertTurn(turn messages.Turn, uploadRoot string) openai.ChatCompletionMessageParamUnion {
	if turn.Role == messages.RoleAssistant {
		return openai.AssistantMessage(turn.Content.Text)
	}

	if turn.Content.Text != "" {
		return openai.UserMessageParts(openai.TextPart(turn.Content.Text))
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Content.Parts))
	for _, part := range turn.Content.Parts {
		switch pt := part.(type) {
		case messages.TextPart:
			parts = append(parts, openai.TextPart(pt.Text))
		case messages.FilePart:
			parts = append(parts, openai.TextPart(pt.Path))
		case messages.URLPart:
			parts = append(parts, openai.TextPart(pt.Text))
		case messages.ImagePart:
			data, mediaType, err := provider.Base64Upload(uploadRoot, pt.Path)
			if err != nil {
				continue
			}
			parts = append(parts, openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.F(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    openai.String("data:" + mediaType + ";base64," + data),
					Detail: openai.F(openai.ChatCompletionContentPartImageImageURLDetailHigh),
				}),
				Type: openai.F(openai.ChatCompletionContentPartImageTypeImageURL),
			})
		}
	}
	return openai.UserMessageParts(parts...)
}

func (p *Provider) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	params, reqOpts := p.buildRequest(req)

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		if req.Stream {
			p.runStream(ctx, params, reqOpts, req.Inference, events)
		} else {
			p.runOnce(ctx, params, reqOpts, req.Inference, events)
		}
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, params openai.ChatCompletionNewParams, reqOpts []option.RequestOption, inference bool, events chan<- provider.StreamEvent) {
	strm := p.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	defer strm.Close() //nolint:errcheck

	var citations []string
	var usage billing.Usage
	var sawUsage bool
	firstDelta := true

	for strm.Next() {
		if ctx.Err() != nil {
			return
		}
		chunk := strm.Current()

		if cs := gjson.Get(chunk.JSON.RawJSON(), "citations"); cs.Exists() {
			citations = citations[:0]
			for _, c := range cs.Array() {
				citations = append(citations, c.String())
			}
		}

		if len(chunk.Choices) > 0 {
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if firstDelta && inference && !strings.Contains(text, "<think>") {
					// reasoning arrives inline with only the closing tag
					if !send(ctx, events, provider.TextDelta{Text: messages.ThinkOpen, Timestamp: now()}) {
						return
					}
				}
				firstDelta = false
				if !send(ctx, events, provider.TextDelta{Text: text, Timestamp: now()}) {
					return
				}
			}
		}

		if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
			sawUsage = true
			usage = billing.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
	}
	if err := strm.Err(); err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
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

func (p *Provider) runOnce(ctx context.Context, params openai.ChatCompletionNewParams, reqOpts []option.RequestOption, inference bool, events chan<- provider.StreamEvent) {
	chat, err := p.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		send(ctx, events, provider.Error{Err: err, Timestamp: now()})
		return
	}

	var text string
	if len(chat.Choices) > 0 {
		text = chat.Choices[0].Message.Content
	}
	if inference && !strings.Contains(text, "<think>") {
		text = messages.ThinkOpen + text
	}
	provider.EmitPaced(ctx, events, text, false)

	if !send(ctx, events, provider.Usage{
		Usage: billing.Usage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		},
		Timestamp: now(),
	}) {
		return
	}

	if cs := gjson.Get(chat.JSON.RawJSON(), "citations"); cs.Exists() {
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
