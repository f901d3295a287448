// Package billing converts token usage reported by providers into dollar
// amounts. Rates are quoted per million tokens; reasoning tokens bill at the
// output rate.
package billing

// Usage is the token accounting for a single model turn.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	_               struct{}
}

// Zero reports whether no tokens were recorded at all.
func (u Usage) Zero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.ReasoningTokens == 0
}

// Rate is a model's pricing in dollars per million tokens.
type Rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	_      struct{}
}

// Cost prices a usage report against a rate.
func Cost(u Usage, r Rate) float64 {
	in := float64(u.InputTokens) * r.Input / 1e6
	out := float64(u.OutputTokens+u.ReasoningTokens) * r.Output / 1e6
	return in + out
}
