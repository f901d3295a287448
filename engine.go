// Package loom orchestrates streaming chat turns across model vendors. The
// engine gates each request against the account, replays the recent
// conversation window, relays the adapter's event stream to the client as
// JSON frames, and settles persistence and billing exactly once per turn.
package loom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fogfish/opts"

	"github.com/shilvister/loom/internal/broker"
	"github.com/shilvister/loom/provider"
	"github.com/shilvister/loom/registry"
	"github.com/shilvister/loom/store"
)

const (
	// defaultWindow is how many prior turns ride along as model context.
	defaultWindow = 6
	// maxMcpServers caps the tool servers a single request may attach.
	maxMcpServers = 5
	// defaultAliasModel runs the conversation alias completion.
	defaultAliasModel = "gemini-2.5-flash"
)

// FrameWriter receives the JSON frames of one streaming turn, in order. The
// transport layer implements it; a write error means the client is gone and
// the relay stops forwarding (the turn itself keeps running to completion).
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Engine runs chat turns. Construct one with New and share it across
// requests; all fields are read-only after construction.
type Engine struct {
	adapters   map[string]provider.Adapter
	store      store.Store
	registry   *registry.Registry
	broker     broker.Broker
	completer  provider.Completer
	prompts    Prompts
	uploadRoot string
	aliasModel string
	window     int
	log        *slog.Logger
}

var (
	WithRegistry   = opts.ForName[Engine, *registry.Registry]("registry")
	WithBroker     = opts.ForName[Engine, broker.Broker]("broker")
	WithCompleter  = opts.ForName[Engine, provider.Completer]("completer")
	WithPrompts    = opts.ForName[Engine, Prompts]("prompts")
	WithUploadRoot = opts.ForName[Engine, string]("uploadRoot")
	WithAliasModel = opts.ForName[Engine, string]("aliasModel")
	WithWindow     = opts.ForName[Engine, int]("window")
	WithLogger     = opts.ForName[Engine, *slog.Logger]("log")
)

// New builds an engine over the given adapters and store. The registry,
// broker, and completer are optional; without them MCP resolution rejects
// all ids, live view is disabled, and alias generation falls back to a
// static name.
func New(adapters []provider.Adapter, st store.Store, options ...opts.Option[Engine]) (*Engine, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("engine: no adapters configured")
	}
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	byName := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}

	e := &Engine{
		adapters:   byName,
		store:      st,
		registry:   registry.Empty(),
		aliasModel: defaultAliasModel,
		window:     defaultWindow,
		log:        slog.Default(),
	}
	if err := opts.Apply(e, options); err != nil {
		return nil, err
	}
	return e, nil
}

// Adapter returns the adapter registered under name.
func (e *Engine) Adapter(name string) (provider.Adapter, bool) {
	a, ok := e.adapters[name]
	return a, ok
}

// Providers lists the registered adapter names.
func (e *Engine) Providers() []string {
	names := make([]string, 0, len(e.adapters))
	for name := range e.adapters {
		names = append(names, name)
	}
	return names
}

// LiveFrames subscribes to the frames of a conversation's in-flight turns.
// The returned stop function must be called when the viewer is done. Returns
// an error when no broker is configured.
func (e *Engine) LiveFrames(ctx context.Context, conversationID string) (<-chan []byte, func(), error) {
	if e.broker == nil {
		return nil, nil, fmt.Errorf("engine: live view is not configured")
	}
	sub, err := e.broker.Topic(ctx, ConversationTopic(conversationID)).Subscribe(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sub.Frames(), sub.Unsubscribe, nil
}
