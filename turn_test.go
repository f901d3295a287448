package loom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
	"github.com/shilvister/loom/registry"
	"github.com/shilvister/loom/store"
	"github.com/shilvister/loom/store/memstore"
)

type fakeAdapter struct {
	name   string
	events []provider.StreamEvent
	// block keeps the producer alive after the scripted events until its
	// context is cancelled.
	block   bool
	callErr error

	mu      sync.Mutex
	lastReq provider.Request
	done    chan struct{}
}

func (f *fakeAdapter) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}

func (f *fakeAdapter) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	f.mu.Lock()
	f.lastReq = req
	f.done = make(chan struct{})
	f.mu.Unlock()

	if f.callErr != nil {
		close(f.done)
		return nil, f.callErr
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		defer close(f.done)
		for _, ev := range f.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return events, nil
}

func (f *fakeAdapter) request() provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeAdapter) finished() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// frameCollector fails every write once failAfter frames have been
// accepted. failAfter < 0 never fails.
type frameCollector struct {
	mu        sync.Mutex
	frames    []string
	failAfter int
}

func collector() *frameCollector { return &frameCollector{failAfter: -1} }

func (c *frameCollector) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.frames) >= c.failAfter {
		return errors.New("client gone")
	}
	c.frames = append(c.frames, string(frame))
	return nil
}

func (c *frameCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *frameCollector) contents() string {
	var out string
	for _, frame := range c.all() {
		if v := gjson.Get(frame, "content"); v.Exists() {
			out += v.String()
		}
	}
	return out
}

func newTestEngine(t *testing.T, adapter provider.Adapter, st *memstore.Store, options ...func(*Engine)) *Engine {
	t.Helper()
	e, err := New([]provider.Adapter{adapter}, st)
	require.NoError(t, err)
	for _, o := range options {
		o(e)
	}
	return e
}

func baseRequest() ChatRequest {
	return ChatRequest{
		ConversationID: "conv-1",
		Provider:       "fake",
		Model:          "test-model",
		InRate:         1,
		OutRate:        2,
		UserMessage:    []messages.Part{messages.Text("hello there")},
		Stream:         true,
	}
}

func seedUser(st *memstore.Store) {
	st.PutUser(store.User{ID: "u1", Name: "Ada"})
}

func persistedTurns(t *testing.T, st *memstore.Store, userID, convID string) []messages.Turn {
	t.Helper()
	turns, err := st.ConversationWindow(context.Background(), userID, convID, 100)
	require.NoError(t, err)
	return turns
}

func TestRunTurn_StreamHappyPath(t *testing.T) {
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.TextDelta{Text: "Hello"},
		provider.TextDelta{Text: " world"},
		provider.Usage{Usage: billing.Usage{InputTokens: 10, OutputTokens: 2}},
	}}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	frames := w.all()
	require.Len(t, frames, 3)
	assert.Equal(t, "Hello", gjson.Get(frames[0], "content").String())
	assert.Equal(t, " world", gjson.Get(frames[1], "content").String())
	assert.Equal(t, "token_usage", gjson.Get(frames[2], "type").String())
	assert.EqualValues(t, 10, gjson.Get(frames[2], "input_tokens").Int())
	assert.EqualValues(t, 2, gjson.Get(frames[2], "output_tokens").Int())

	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, messages.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello world", turns[1].Content.Text)

	user, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.InDelta(t, 10*1.0/1e6+2*2.0/1e6, user.Billing, 1e-12)

	meta := st.Metadata("u1", "conv-1")
	assert.Equal(t, "test-model", meta.Model)
}

func TestRunTurn_CumulativeUsageSnapshots(t *testing.T) {
	// providers that report usage per chunk send cumulative snapshots;
	// only the last one counts
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.TextDelta{Text: "a"},
		provider.Usage{Usage: billing.Usage{InputTokens: 10, OutputTokens: 2}},
		provider.TextDelta{Text: "b"},
		provider.Usage{Usage: billing.Usage{InputTokens: 10, OutputTokens: 5, ReasoningTokens: 3}},
	}}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	frames := w.all()
	require.Len(t, frames, 4)
	assert.EqualValues(t, 10, gjson.Get(frames[3], "input_tokens").Int())
	assert.EqualValues(t, 5, gjson.Get(frames[3], "output_tokens").Int())
	assert.EqualValues(t, 3, gjson.Get(frames[3], "reasoning_tokens").Int())

	user, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.InDelta(t, 10*1.0/1e6+(5+3)*2.0/1e6, user.Billing, 1e-12)
}

func TestRunTurn_ThinkSpanForceClosed(t *testing.T) {
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.ThinkingDelta{Text: "pondering"},
		provider.TextDelta{Text: "answer"},
	}}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	want := messages.ThinkOpen + "pondering" + messages.ThinkClose + "answer"
	assert.Equal(t, want, w.contents())

	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, want, turns[1].Content.Text)
}

func TestRunTurn_DanglingThinkClosedAtEnd(t *testing.T) {
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.ThinkingDelta{Text: "never finished"},
	}}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, messages.ThinkOpen+"never finished"+messages.ThinkClose, turns[1].Content.Text)
}

func TestRunTurn_ProviderErrorMidStream(t *testing.T) {
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.TextDelta{Text: "partial"},
		provider.Error{Err: errors.New("upstream 500")},
		provider.TextDelta{Text: "never delivered"},
	}}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	frames := w.all()
	require.Len(t, frames, 2)
	errMsg := gjson.Get(frames[1], "error").String()
	assert.NotEmpty(t, errMsg)
	assert.NotContains(t, errMsg, "upstream 500")

	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "partial", turns[1].Content.Text)
}

func TestRunTurn_EmptyOutputPersistsPlaceholder(t *testing.T) {
	adapter := &fakeAdapter{}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), collector()))

	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "​", turns[1].Content.Text)
}

func TestRunTurn_ClientDisconnect(t *testing.T) {
	adapter := &fakeAdapter{
		events: []provider.StreamEvent{provider.TextDelta{Text: "partial"}},
		block:  true,
	}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	w.failAfter = 0
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	select {
	case <-adapter.finished():
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled after the client went away")
	}

	assert.Empty(t, w.all())
	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "partial", turns[1].Content.Text)
}

func TestRunTurn_Rejections(t *testing.T) {
	tests := []struct {
		name string
		user store.User
		muck func(*ChatRequest)
		want string
	}{
		{
			name: "trial exhausted",
			user: store.User{ID: "u1", Trial: true, TrialRemaining: 0},
			muck: func(*ChatRequest) {},
			want: "trial has ended",
		},
		{
			name: "premium model for non-admin",
			user: store.User{ID: "u1"},
			muck: func(r *ChatRequest) { r.InRate = 15 },
			want: "do not have access",
		},
		{
			name: "empty message",
			user: store.User{ID: "u1"},
			muck: func(r *ChatRequest) { r.UserMessage = nil },
			want: "message is empty",
		},
		{
			name: "too many mcp servers",
			user: store.User{ID: "u1"},
			muck: func(r *ChatRequest) { r.Mcp = []string{"a", "b", "c", "d", "e", "f"} },
			want: "do not have access",
		},
		{
			name: "unknown mcp server",
			user: store.User{ID: "u1"},
			muck: func(r *ChatRequest) { r.Mcp = []string{"nope"} },
			want: "do not have access",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			st := memstore.New()
			st.PutUser(tt.user)
			e := newTestEngine(t, adapter, st)

			req := baseRequest()
			tt.muck(&req)

			w := collector()
			require.NoError(t, e.RunTurn(context.Background(), "u1", req, w))

			frames := w.all()
			require.Len(t, frames, 1)
			assert.Contains(t, gjson.Get(frames[0], "error").String(), tt.want)

			assert.Empty(t, persistedTurns(t, st, "u1", "conv-1"))
			assert.Nil(t, adapter.request().History)
		})
	}
}

func TestRunTurn_TrialDecrementsInsteadOfCharging(t *testing.T) {
	adapter := &fakeAdapter{events: []provider.StreamEvent{
		provider.TextDelta{Text: "hi"},
		provider.Usage{Usage: billing.Usage{InputTokens: 100, OutputTokens: 100}},
	}}
	st := memstore.New()
	st.PutUser(store.User{ID: "u1", Trial: true, TrialRemaining: 3})
	e := newTestEngine(t, adapter, st)

	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), collector()))

	user, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, user.TrialRemaining)
	assert.Zero(t, user.Billing)
}

func TestRunTurn_HistoryAssembly(t *testing.T) {
	adapter := &fakeAdapter{}
	st := memstore.New()
	seedUser(st)
	require.NoError(t, st.AppendTurns(context.Background(), "u1", "conv-1",
		messages.UserTurn(messages.Text("earlier question")),
		messages.AssistantTurn(messages.ThinkOpen+"hmm"+messages.ThinkClose+"earlier answer"),
		store.MetadataPatch{}))

	e := newTestEngine(t, adapter, st, func(e *Engine) {
		e.prompts = Prompts{Markdown: "Use markdown.", Persona: "You are a pirate."}
	})

	req := baseRequest()
	req.Persona = true
	req.SystemMessage = "Be brief."
	require.NoError(t, e.RunTurn(context.Background(), "u1", req, collector()))

	preq := adapter.request()
	assert.Equal(t, "Use markdown.\n\nBe brief.\n\nYou are a pirate.", preq.Instructions)

	require.Len(t, preq.History, 3)
	assert.Equal(t, "earlier answer", preq.History[1].Content.Text)

	last := preq.History[2]
	text, idx := last.LastText()
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "hello there"+PersonaSuffix, text)

	// the suffix is a model-facing detail; the stored turn keeps it since
	// that is exactly what the model saw
	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 4)
}

func TestRunTurn_AdminOnlyMcpRejected(t *testing.T) {
	adapter := &fakeAdapter{}
	st := memstore.New()
	seedUser(st)

	reg, err := registry.Parse([]byte(`{"infra": {"url": "https://i.example", "name": "Infra", "admin": true}}`))
	require.NoError(t, err)
	e := newTestEngine(t, adapter, st, func(e *Engine) { e.registry = reg })

	req := baseRequest()
	req.Mcp = []string{"infra"}
	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", req, w))

	frames := w.all()
	require.Len(t, frames, 1)
	assert.Contains(t, gjson.Get(frames[0], "error").String(), "do not have access")
	assert.Nil(t, adapter.request().History)
	assert.Empty(t, persistedTurns(t, st, "u1", "conv-1"))
}

func TestWithPersonaSuffix(t *testing.T) {
	t.Run("appends to the last text part", func(t *testing.T) {
		turn := messages.UserTurn(
			messages.Text("first"),
			messages.Image("pics/cat.png"),
			messages.Text("second"),
		)
		got := withPersonaSuffix(turn)
		text, idx := got.LastText()
		assert.Equal(t, 2, idx)
		assert.Equal(t, "second"+PersonaSuffix, text)
		// the original turn is untouched
		text, _ = turn.LastText()
		assert.Equal(t, "second", text)
	})

	t.Run("dropped when the turn has no text part", func(t *testing.T) {
		turn := messages.UserTurn(messages.Image("pics/cat.png"))
		got := withPersonaSuffix(turn)
		assert.Equal(t, turn, got)
	})
}

func TestRunTurn_McpResolution(t *testing.T) {
	adapter := &fakeAdapter{}
	st := memstore.New()
	seedUser(st)

	reg, err := registry.Parse([]byte(`{"search": {"url": "https://s.example", "name": "Search"}}`))
	require.NoError(t, err)
	e := newTestEngine(t, adapter, st, func(e *Engine) { e.registry = reg })

	req := baseRequest()
	req.Mcp = []string{"search"}
	require.NoError(t, e.RunTurn(context.Background(), "u1", req, collector()))

	preq := adapter.request()
	require.Len(t, preq.McpServers, 1)
	assert.Equal(t, "https://s.example", preq.McpServers[0].URL)
}

func TestRunTurn_ProviderCallFailure(t *testing.T) {
	adapter := &fakeAdapter{callErr: errors.New("dial tcp: connection refused")}
	st := memstore.New()
	seedUser(st)
	e := newTestEngine(t, adapter, st)

	w := collector()
	require.NoError(t, e.RunTurn(context.Background(), "u1", baseRequest(), w))

	frames := w.all()
	require.Len(t, frames, 1)
	errMsg := gjson.Get(frames[0], "error").String()
	assert.NotContains(t, errMsg, "dial tcp")

	// the gate already committed to this turn, so the pair persists with
	// the placeholder
	turns := persistedTurns(t, st, "u1", "conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "​", turns[1].Content.Text)
}

type fakeCompleter struct {
	reply string
	err   error

	mu   sync.Mutex
	last provider.CompleteRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req provider.CompleteRequest) (string, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestGenerateAlias(t *testing.T) {
	t.Run("uses the completer", func(t *testing.T) {
		st := memstore.New()
		seedUser(st)
		completer := &fakeCompleter{reply: "  Cooking Tips  "}
		e := newTestEngine(t, &fakeAdapter{}, st, func(e *Engine) {
			e.completer = completer
			e.prompts = Prompts{Alias: "Name this conversation."}
		})

		alias, err := e.GenerateAlias(context.Background(), "u1", "conv-1", "how do I sear a steak?")
		require.NoError(t, err)
		assert.Equal(t, "Cooking Tips", alias)
		assert.Equal(t, "Cooking Tips", st.Alias("u1", "conv-1"))

		completer.mu.Lock()
		defer completer.mu.Unlock()
		assert.Equal(t, "Name this conversation.", completer.last.System)
		assert.EqualValues(t, 10, completer.last.MaxTokens)
		assert.InDelta(t, 0.1, completer.last.Temperature, 1e-9)
	})

	t.Run("falls back when the completer fails", func(t *testing.T) {
		st := memstore.New()
		seedUser(st)
		e := newTestEngine(t, &fakeAdapter{}, st, func(e *Engine) {
			e.completer = &fakeCompleter{err: errors.New("quota")}
		})

		alias, err := e.GenerateAlias(context.Background(), "u1", "conv-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "New Chat", alias)
	})

	t.Run("falls back without a completer", func(t *testing.T) {
		st := memstore.New()
		seedUser(st)
		e := newTestEngine(t, &fakeAdapter{}, st)

		alias, err := e.GenerateAlias(context.Background(), "u1", "conv-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "New Chat", alias)
	})
}
