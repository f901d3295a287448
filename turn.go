package loom

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/internal/broker"
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/pkg/slogx"
	"github.com/shilvister/loom/provider"
	"github.com/shilvister/loom/store"
)

// emptyTurnPlaceholder is persisted as the assistant text when a turn
// produced no output at all, so the turn pair stays well formed.
const emptyTurnPlaceholder = "​"

const msgProviderError = "The model provider returned an error.\n\nPlease try again."

// ConversationTopic is the broker topic live viewers of a conversation
// subscribe to.
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// RunTurn executes one chat turn and streams its frames to w.
//
// A permission or configuration failure writes a single error frame and
// returns without touching the conversation. Once the request passes the
// gates, persistence and billing run exactly once on every exit path,
// including mid-stream provider errors and client disconnects. A failing w
// cancels the model turn; whatever partial output arrived is what gets
// persisted.
func (e *Engine) RunTurn(ctx context.Context, userID string, req ChatRequest, w FrameWriter) error {
	log := e.log.With(
		slog.String("user", userID),
		slog.String("conversation", req.ConversationID),
		slog.String("provider", req.Provider),
		slog.String("model", req.Model),
	)

	reject := func(msg string) error {
		return w.WriteFrame(ErrorFrame(msg))
	}

	adapter, ok := e.adapters[req.Provider]
	if !ok {
		log.Warn("unknown provider requested")
		return reject(msgModelForbidden)
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		log.Error("load user", slogx.Error(err))
		return reject(msgProviderError)
	}

	if user.Trial && user.TrialRemaining <= 0 {
		return reject(msgTrialExhausted)
	}
	if !user.Admin && req.InRate >= premiumRateThreshold {
		return reject(msgModelForbidden)
	}

	userTurn := messages.UserTurn(req.UserMessage...)
	if userTurn.Empty() {
		return reject(msgEmptyMessage)
	}

	if len(req.Mcp) > maxMcpServers {
		return reject(msgModelForbidden)
	}
	mcpServers, err := e.registry.Resolve(req.Mcp, user.Admin)
	if err != nil {
		log.Warn("mcp resolve rejected", slogx.Error(err))
		return reject(msgModelForbidden)
	}

	window, err := e.store.ConversationWindow(ctx, userID, req.ConversationID, e.window)
	if err != nil {
		log.Error("load conversation window", slogx.Error(err))
		return reject(msgProviderError)
	}

	if req.Persona {
		userTurn = withPersonaSuffix(userTurn)
	}

	history := make([]messages.Turn, 0, len(window)+1)
	for _, turn := range window {
		if turn.Role == messages.RoleAssistant {
			turn.Content.Text = messages.StripMarkup(turn.Content.Text)
		}
		history = append(history, turn)
	}
	history = append(history, userTurn)

	// Every path from here on settles the turn, writing the pair and the
	// billing delta exactly once.
	var (
		output strings.Builder
		usage  billing.Usage
	)
	defer func() {
		e.settle(context.WithoutCancel(ctx), log, user, req, userTurn, output.String(), usage)
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := adapter.ChatStream(streamCtx, provider.Request{
		Model:          req.Model,
		Instructions:   e.instructions(req),
		History:        history,
		Temperature:    req.Temperature,
		ReasoningLevel: req.ReasoningLevel,
		Search:         req.Search,
		DeepResearch:   req.DeepResearch,
		McpServers:     mcpServers,
		Stream:         req.Stream,
		Inference:      req.Inference,
		UploadRoot:     e.uploadRoot,
	})
	if err != nil {
		log.Error("provider call failed to start", slogx.Error(err))
		_ = w.WriteFrame(ErrorFrame(msgProviderError))
		return nil
	}

	var topic broker.Topic
	if e.broker != nil {
		topic = e.broker.Topic(ctx, ConversationTopic(req.ConversationID))
	}

	clientGone := false
	emit := func(frame []byte) {
		if topic != nil {
			if err := topic.Publish(ctx, frame); err != nil {
				log.Warn("broker publish", slogx.Error(err))
			}
		}
		if clientGone {
			return
		}
		if err := w.WriteFrame(frame); err != nil {
			clientGone = true
			cancel()
		}
	}
	render := func(r *renderer, ev provider.StreamEvent) {
		text := r.Render(ev)
		if text == "" {
			return
		}
		output.WriteString(text)
		emit(ContentFrame(text))
	}

	r := &renderer{}
relay:
	for {
		select {
		case <-ctx.Done():
			cancel()
			break relay
		case ev, ok := <-events:
			if !ok {
				break relay
			}
			switch ev := ev.(type) {
			case provider.Usage:
				// snapshots are cumulative, keep only the latest
				usage = ev.Usage
				emit(UsageFrame(usage))
			case provider.Error:
				log.Error("provider stream error", slogx.Error(ev.Err))
				emit(ErrorFrame(msgProviderError))
				break relay
			default:
				render(r, ev)
			}
		}
	}
	if tail := r.Finish(); tail != "" {
		output.WriteString(tail)
		emit(ContentFrame(tail))
	}
	return nil
}

// settle is the persistence gate. It appends the turn pair with the request
// metadata and applies the billing delta, logging rather than propagating
// store failures so a flaky write never crashes an otherwise finished turn.
func (e *Engine) settle(ctx context.Context, log *slog.Logger, user *store.User, req ChatRequest, userTurn messages.Turn, text string, usage billing.Usage) {
	if text == "" {
		text = emptyTurnPlaceholder
	}
	meta := store.MetadataPatch{
		Model:          req.Model,
		Temperature:    req.Temperature,
		ReasoningLevel: req.ReasoningLevel,
		SystemMessage:  req.SystemMessage,
		Inference:      req.Inference,
		Search:         req.Search,
		DeepResearch:   req.DeepResearch,
		Persona:        req.Persona,
		McpServers:     req.Mcp,
	}
	if err := e.store.AppendTurns(ctx, user.ID, req.ConversationID, userTurn, messages.AssistantTurn(text), meta); err != nil {
		log.Error("append turns", slogx.Error(err))
	}

	if user.Trial {
		if err := e.store.DecrementTrial(ctx, user.ID); err != nil {
			log.Error("decrement trial", slogx.Error(err))
		}
		return
	}
	cost := billing.Cost(usage, billing.Rate{Input: req.InRate, Output: req.OutRate})
	if err := e.store.IncrementBilling(ctx, user.ID, cost); err != nil {
		log.Error("increment billing", slogx.Error(err))
	}
}

// instructions assembles the system prompt: base markdown guidance, then
// the caller's system message, then the persona prompt when persona mode is
// on. Empty segments are skipped.
func (e *Engine) instructions(req ChatRequest) string {
	segments := make([]string, 0, 3)
	if e.prompts.Markdown != "" {
		segments = append(segments, e.prompts.Markdown)
	}
	if req.SystemMessage != "" {
		segments = append(segments, req.SystemMessage)
	}
	if req.Persona && e.prompts.Persona != "" {
		segments = append(segments, e.prompts.Persona)
	}
	return strings.Join(segments, "\n\n")
}

// withPersonaSuffix appends the stay-in-character suffix to the last text
// part of the turn. Turns without a text part pass through unchanged.
func withPersonaSuffix(turn messages.Turn) messages.Turn {
	text, idx := turn.LastText()
	if idx < 0 {
		return turn
	}
	parts := make([]messages.Part, len(turn.Content.Parts))
	copy(parts, turn.Content.Parts)
	parts[idx] = messages.TextPart{Text: text + PersonaSuffix}
	turn.Content.Parts = parts
	return turn
}
