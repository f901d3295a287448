package compat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("mistral",
		option.WithAPIKey("sk-compat"),
		option.WithBaseURL(srv.URL+"/v1"),
		option.WithHTTPClient(srv.Client()),
	)
}

func TestChatStream(t *testing.T) {
	stream := "" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"the \"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"answer\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":5,\"total_tokens\":14}}\n\n" +
		"data: [DONE]\n\n"

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-compat", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		parsed := gjson.ParseBytes(body)
		assert.Equal(t, "mistral-large", parsed.Get("model").String())
		assert.Equal(t, "low", parsed.Get("reasoning_effort").String())
		assert.True(t, parsed.Get("stream_options.include_usage").Bool())
		assert.Equal(t, "system", parsed.Get("messages.0.role").String())

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	})

	events, err := p.ChatStream(context.Background(), provider.Request{
		Model:          "mistral-large",
		Instructions:   "be helpful",
		History:        []messages.Turn{messages.UserTurn(messages.Text("hi"))},
		ReasoningLevel: 1,
		Stream:         true,
	})
	require.NoError(t, err)

	var text string
	var usageSeen bool
	for ev := range events {
		switch e := ev.(type) {
		case provider.TextDelta:
			text += e.Text
		case provider.Usage:
			usageSeen = true
			assert.EqualValues(t, 9, e.Usage.InputTokens)
			assert.EqualValues(t, 5, e.Usage.OutputTokens)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, "the answer", text)
	assert.True(t, usageSeen)
}

func TestChatStream_InferenceInjectsThinkOpen(t *testing.T) {
	stream := "" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"pondering...\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"\\n</think>\\n\\ndone\"}}]}\n\n" +
		"data: [DONE]\n\n"

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	})

	events, err := p.ChatStream(context.Background(), provider.Request{
		Model:     "deepseek-r1",
		History:   []messages.Turn{messages.UserTurn(messages.Text("hi"))},
		Stream:    true,
		Inference: true,
	})
	require.NoError(t, err)

	var text string
	for ev := range events {
		if delta, ok := ev.(provider.TextDelta); ok {
			text += delta.Text
		}
	}
	assert.Equal(t, messages.ThinkOpen+"pondering...\n</think>\n\ndone", text)
}

func TestChatStream_InferenceBareThinkTagNotDoubled(t *testing.T) {
	// some hosts emit the open tag themselves, without a trailing newline
	stream := "" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"<think>pondering\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"</think>done\"}}]}\n\n" +
		"data: [DONE]\n\n"

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	})

	events, err := p.ChatStream(context.Background(), provider.Request{
		Model:     "deepseek-r1",
		History:   []messages.Turn{messages.UserTurn(messages.Text("hi"))},
		Stream:    true,
		Inference: true,
	})
	require.NoError(t, err)

	var text string
	for ev := range events {
		if delta, ok := ev.(provider.TextDelta); ok {
			text += delta.Text
		}
	}
	assert.Equal(t, "<think>pondering</think>done", text)
}

func TestChatStream_Citations(t *testing.T) {
	stream := "" +
		"data: {\"id\":\"c1\",\"citations\":[\"https://a.example\",\"https://b.example\"],\"choices\":[{\"index\":0,\"delta\":{\"content\":\"sourced answer\"}}]}\n\n" +
		"data: [DONE]\n\n"

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	})

	events, err := p.ChatStream(context.Background(), provider.Request{
		Model:   "sonar-pro",
		History: []messages.Turn{messages.UserTurn(messages.Text("what happened today?"))},
		Stream:  true,
	})
	require.NoError(t, err)

	var got []provider.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "sourced answer", got[0].(provider.TextDelta).Text)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, got[1].(provider.Citations).URLs)
}

func TestChatStream_NonStreaming(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.False(t, gjson.GetBytes(body, "stream").Bool())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "full answer"}}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}
		}`))
	})

	events, err := p.ChatStream(context.Background(), provider.Request{
		Model:   "mistral-large",
		History: []messages.Turn{messages.UserTurn(messages.Text("hi"))},
	})
	require.NoError(t, err)

	var text string
	var usageSeen bool
	for ev := range events {
		switch e := ev.(type) {
		case provider.TextDelta:
			text += e.Text
		case provider.Usage:
			usageSeen = true
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, "full answer", text)
	assert.True(t, usageSeen)
}
