package provider

import (
	"context"
	"time"
)

const (
	paceChunkRunes = 10
	paceInterval   = 30 * time.Millisecond
)

// EmitPaced feeds a complete text through the events channel in small timed
// chunks, simulating a stream for vendors or code paths that only return
// full responses. Splits on runes so multi-byte text never tears. Stops
// early when ctx is canceled.
func EmitPaced(ctx context.Context, events chan<- StreamEvent, text string, thinking bool) {
	runes := []rune(text)
	for start := 0; start < len(runes); start += paceChunkRunes {
		end := start + paceChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])

		var ev StreamEvent
		if thinking {
			ev = ThinkingDelta{Text: chunk}
		} else {
			ev = TextDelta{Text: chunk}
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(paceInterval):
		case <-ctx.Done():
			return
		}
	}
}
