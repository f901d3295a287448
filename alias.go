package loom

import (
	"context"
	"strings"

	"github.com/shilvister/loom/pkg/slogx"
	"github.com/shilvister/loom/provider"
)

const fallbackAlias = "New Chat"

// GenerateAlias produces and saves a short display name for a conversation
// from the user's first message. Completion failures fall back to a static
// name rather than surfacing; the alias is cosmetic.
func (e *Engine) GenerateAlias(ctx context.Context, userID, conversationID, firstMessage string) (string, error) {
	alias := fallbackAlias
	if e.completer != nil {
		generated, err := e.completer.Complete(ctx, provider.CompleteRequest{
			Model:       e.aliasModel,
			System:      e.prompts.Alias,
			Prompt:      firstMessage,
			Temperature: 0.1,
			MaxTokens:   10,
		})
		if err != nil {
			e.log.Warn("alias generation failed", slogx.Error(err))
		} else if generated = strings.TrimSpace(generated); generated != "" {
			alias = generated
		}
	}

	if err := e.store.SaveAlias(ctx, userID, conversationID, alias); err != nil {
		return "", err
	}
	return alias, nil
}
