package messages

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a conversation. Turns are created in pairs (user +
// assistant) by the persistence gate and never mutated afterwards.
type Turn struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
	_       struct{}
}

// UserTurn builds a user turn from content parts.
func UserTurn(parts ...Part) Turn {
	return Turn{Role: RoleUser, Content: Content{Parts: parts}}
}

// AssistantTurn builds an assistant turn from flattened text.
func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Content: Content{Text: text}}
}

// MarshalJSON emits the persisted wire shape {"role":…,"content":…}.
func (t Turn) MarshalJSON() ([]byte, error) {
	content, err := t.Content.MarshalJSON()
	if err != nil {
		return nil, err
	}
	role, err := json.Marshal(string(t.Role))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(role)+len(content)+24)
	out = append(out, `{"role":`...)
	out = append(out, role...)
	out = append(out, `,"content":`...)
	out = append(out, content...)
	out = append(out, '}')
	return out, nil
}

func (t *Turn) UnmarshalJSON(input []byte) error {
	if !gjson.ValidBytes(input) {
		return fmt.Errorf("invalid json: %s", input)
	}
	role := gjson.GetBytes(input, "role")
	if !role.Exists() {
		return fmt.Errorf("missing required field 'role'")
	}
	switch Role(role.String()) {
	case RoleUser, RoleAssistant:
		t.Role = Role(role.String())
	default:
		return fmt.Errorf("unknown role %q", role.String())
	}
	content := gjson.GetBytes(input, "content")
	if !content.Exists() {
		return fmt.Errorf("missing required field 'content'")
	}
	return t.Content.UnmarshalJSON([]byte(content.Raw))
}

// LastText returns the text of the last TextPart in the turn, scanning the
// parts in reverse, together with its index. Returns -1 when the turn has no
// text part.
func (t Turn) LastText() (string, int) {
	for i := len(t.Content.Parts) - 1; i >= 0; i-- {
		if part, ok := t.Content.Parts[i].(TextPart); ok {
			return part.Text, i
		}
	}
	return "", -1
}

// Empty reports whether the turn carries no content at all.
func (t Turn) Empty() bool {
	return t.Content.Text == "" && len(t.Content.Parts) == 0
}
