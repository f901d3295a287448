// Package provider defines the adapter contract every model vendor
// implements, and the normalized event stream adapters produce. One adapter
// wraps one vendor API; the engine is the only consumer of the events.
package provider

import (
	"context"

	"github.com/shilvister/loom/messages"
)

// McpServer is a remote tool server the model may call during a turn.
type McpServer struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	AuthToken string `json:"authorization_token,omitempty"`
}

// Request carries everything an adapter needs for one model turn. History
// includes the current user turn as its last element, with assistant markup
// already stripped.
type Request struct {
	Model          string
	Instructions   string
	History        []messages.Turn
	Temperature    *float64
	ReasoningLevel int
	Search         bool
	DeepResearch   bool
	McpServers     []McpServer
	Stream         bool
	Inference      bool
	UploadRoot     string
}

// Adapter streams one model turn as normalized events.
//
// ChatStream returns immediately after launching a producer goroutine. The
// producer owns the channel and closes it when the turn is over, whether it
// ended normally, with an Error event, or because ctx was canceled. An error
// return means the request never started and no channel was opened.
type Adapter interface {
	Name() string
	ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// CompleteRequest is a one-shot, non-streaming utility completion.
type CompleteRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int64
}

// Completer is implemented by adapters that also expose one-shot
// completions, used for short utility calls such as conversation alias
// generation.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}
