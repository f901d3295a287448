package loom

import (
	"github.com/tidwall/sjson"

	"github.com/shilvister/loom/billing"
)

// Frames are the JSON payloads of the client-facing SSE stream. The
// transport layer wraps them in the SSE envelope; everything here is just
// the data payload.

var (
	contentFrameJSON = []byte(`{"content":""}`)
	usageFrameJSON   = []byte(`{"type":"token_usage"}`)
	errorFrameJSON   = []byte(`{"error":""}`)
)

// ContentFrame carries a chunk of rendered assistant output.
func ContentFrame(text string) []byte {
	frame, err := sjson.SetBytes(contentFrameJSON, "content", text)
	if err != nil {
		return contentFrameJSON
	}
	return frame
}

// UsageFrame reports the turn's token accounting to the client.
func UsageFrame(u billing.Usage) []byte {
	frame := usageFrameJSON
	frame, _ = sjson.SetBytes(frame, "input_tokens", u.InputTokens)
	frame, _ = sjson.SetBytes(frame, "output_tokens", u.OutputTokens)
	frame, _ = sjson.SetBytes(frame, "reasoning_tokens", u.ReasoningTokens)
	return frame
}

// ErrorFrame terminates the stream with a client-visible error message.
func ErrorFrame(message string) []byte {
	frame, err := sjson.SetBytes(errorFrameJSON, "error", message)
	if err != nil {
		return errorFrameJSON
	}
	return frame
}
