package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom"
	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/internal/broker"
	"github.com/shilvister/loom/provider"
	"github.com/shilvister/loom/store"
	"github.com/shilvister/loom/store/memstore"
)

type scriptedAdapter struct {
	events []provider.StreamEvent
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) ChatStream(ctx context.Context, _ provider.Request) (<-chan provider.StreamEvent, error) {
	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		for _, ev := range a.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type scriptedCompleter struct{ reply string }

func (c *scriptedCompleter) Complete(context.Context, provider.CompleteRequest) (string, error) {
	return c.reply, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutUser(store.User{ID: "u1", Name: "Ada"})

	engine, err := loom.New(
		[]provider.Adapter{&scriptedAdapter{events: []provider.StreamEvent{
			provider.TextDelta{Text: "Hello"},
			provider.TextDelta{Text: " world"},
			provider.Usage{Usage: billing.Usage{InputTokens: 5, OutputTokens: 2}},
		}}},
		st,
		loom.WithBroker(broker.Local()),
		loom.WithCompleter(&scriptedCompleter{reply: "Greetings"}),
	)
	require.NoError(t, err)

	srv, err := New(engine)
	require.NoError(t, err)

	e := echo.New()
	srv.Routes(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts, st
}

func postChat(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/scripted", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func jsonDecode(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func readFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	return frames
}

func TestChatStreamsFrames(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postChat(t, ts, `{"conversation_id":"c1","model":"m","in_billing":1,"out_billing":2,"user_message":[{"type":"text","text":"hi"}],"stream":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 3)
	assert.Equal(t, "Hello", gjson.Get(frames[0], "content").String())
	assert.Equal(t, " world", gjson.Get(frames[1], "content").String())
	assert.Equal(t, "token_usage", gjson.Get(frames[2], "type").String())

	turns, err := st.ConversationWindow(context.Background(), "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello world", turns[1].Content.Text)
}

func TestChatRequiresIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+"/api/chat/scripted", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatRejectionIsSingleErrorFrame(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postChat(t, ts, `{"conversation_id":"c1","model":"m","user_message":[],"stream":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp)
	require.Len(t, frames, 1)
	assert.Contains(t, gjson.Get(frames[0], "error").String(), "message is empty")

	turns, err := st.ConversationWindow(context.Background(), "u1", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestLiveViewSeesFrames(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/live/c1", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// let the subscription land before the turn starts publishing
	time.Sleep(200 * time.Millisecond)

	chatResp := postChat(t, ts, `{"conversation_id":"c1","model":"m","user_message":[{"type":"text","text":"hi"}],"stream":true}`)
	readFrames(t, chatResp)

	type read struct {
		payload string
		err     error
	}
	got := make(chan read, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if payload, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				got <- read{payload: payload}
				return
			}
		}
		got <- read{err: scanner.Err()}
	}()

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, "Hello", gjson.Get(r.payload, "content").String())
	case <-time.After(2 * time.Second):
		t.Fatal("live viewer never received a frame")
	}
}

func TestAlias(t *testing.T) {
	ts, st := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/alias", strings.NewReader(`{"conversation_id":"c1","message":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "u1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Alias string `json:"alias"`
	}
	require.NoError(t, jsonDecode(resp, &body))
	assert.Equal(t, "Greetings", body.Alias)
	assert.Equal(t, "Greetings", st.Alias("u1", "c1"))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
