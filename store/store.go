// Package store defines the persistence contract for users and
// conversations. Implementations live in subpackages; mongo is the
// production driver, memstore backs tests and local development.
package store

import (
	"context"
	"errors"

	"github.com/shilvister/loom/messages"
)

// ErrNotFound is returned when a user or conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// User is an account allowed to run model turns. Trial accounts carry a
// countdown instead of accumulating billing.
type User struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Admin          bool    `json:"admin"`
	Trial          bool    `json:"trial"`
	TrialRemaining int64   `json:"trial_remaining"`
	Billing        float64 `json:"billing"`
}

// MetadataPatch captures the request settings written onto the conversation
// document alongside each appended turn pair.
type MetadataPatch struct {
	Model          string   `json:"model"`
	Temperature    *float64 `json:"temperature"`
	ReasoningLevel int      `json:"reason"`
	SystemMessage  string   `json:"system_message"`
	Inference      bool     `json:"inference"`
	Search         bool     `json:"search"`
	DeepResearch   bool     `json:"deep_research"`
	Persona        bool     `json:"persona"`
	McpServers     []string `json:"mcp"`
}

// Store is the persistence surface the engine depends on.
type Store interface {
	// GetUser loads an account by id.
	GetUser(ctx context.Context, id string) (*User, error)

	// ConversationWindow returns up to n of the most recent turns of a
	// conversation, oldest first. A missing conversation yields an empty
	// window, not an error.
	ConversationWindow(ctx context.Context, userID, conversationID string, n int) ([]messages.Turn, error)

	// AppendTurns appends a user/assistant turn pair and overwrites the
	// conversation metadata in one write.
	AppendTurns(ctx context.Context, userID, conversationID string, user, assistant messages.Turn, meta MetadataPatch) error

	// IncrementBilling adds a turn's cost to a non-trial account.
	IncrementBilling(ctx context.Context, userID string, amount float64) error

	// DecrementTrial burns one trial credit.
	DecrementTrial(ctx context.Context, userID string) error

	// SaveAlias sets the short display name of a conversation.
	SaveAlias(ctx context.Context, userID, conversationID, alias string) error

	Close(ctx context.Context) error
}
