package loom

import (
	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/provider"
)

// renderer folds normalized provider events into the in-band markup stream
// clients consume. It owns the think-span state: reasoning deltas open a
// span once, and anything that is not reasoning forces it closed first.
type renderer struct {
	thinking bool
}

// Render converts one event into its markup text. Events that carry no
// client-visible text (usage) render to the empty string.
func (r *renderer) Render(ev provider.StreamEvent) string {
	switch e := ev.(type) {
	case provider.ThinkingDelta:
		if !r.thinking {
			r.thinking = true
			return messages.ThinkOpen + e.Text
		}
		return e.Text
	case provider.TextDelta:
		return r.closeThink() + e.Text
	case provider.ToolUseStart:
		return r.closeThink() + messages.WrapToolUse(e.Tool)
	case provider.ToolResult:
		return r.closeThink() + messages.WrapToolResult(e.Outcome)
	case provider.Citations:
		return r.closeThink() + messages.CitationsBlock(e.URLs)
	default:
		return ""
	}
}

// Finish closes a dangling think span when the stream ends mid-reasoning.
func (r *renderer) Finish() string {
	return r.closeThink()
}

func (r *renderer) closeThink() string {
	if !r.thinking {
		return ""
	}
	r.thinking = false
	return messages.ThinkClose
}
