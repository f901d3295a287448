// Package messages defines the provider-agnostic conversation model: turns,
// their content parts, and the in-band markup embedded in persisted assistant
// text (thinking blocks, tool activity, citations).
//
// A conversation is an ordered sequence of turns. User turns carry a list of
// typed content parts (text, image, file, url); assistant turns, once
// persisted, hold flattened plain text only. Before an assistant turn is
// replayed as history it is passed through StripMarkup so reasoning and tool
// markup never reaches a provider twice.
package messages
