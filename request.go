package loom

import (
	"github.com/shilvister/loom/messages"
)

// ChatRequest is one client turn against a conversation. The billing rates
// ride on the request because the client's model catalog owns the pricing.
type ChatRequest struct {
	ConversationID string          `json:"conversation_id"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	InRate         float64         `json:"in_billing"`
	OutRate        float64         `json:"out_billing"`
	Temperature    *float64        `json:"temperature"`
	ReasoningLevel int             `json:"reason"`
	SystemMessage  string          `json:"system_message"`
	UserMessage    []messages.Part `json:"user_message"`
	Inference      bool            `json:"inference"`
	Search         bool            `json:"search"`
	DeepResearch   bool            `json:"deep_research"`
	Persona        bool            `json:"persona"`
	Mcp            []string        `json:"mcp"`
	Stream         bool            `json:"stream"`
}

// Client-visible rejection messages. Permission failures surface to the
// client as a single error frame carrying one of these.
const (
	msgTrialExhausted = "Your trial has ended.\n\nContact admin@shilvister.net for details."
	msgModelForbidden = "You do not have access to this model.\n\nContact admin@shilvister.net for details."
	msgEmptyMessage   = "The message is empty. Please enter some content."
)

// premiumRateThreshold marks models non-admins cannot run, priced in
// dollars per million input tokens.
const premiumRateThreshold = 10
