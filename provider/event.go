package provider

import (
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/shilvister/loom/billing"
	"github.com/shilvister/loom/messages"
)

var (
	textDeltaJSON     = []byte(`{"type":"text_delta"}`)
	thinkingDeltaJSON = []byte(`{"type":"thinking_delta"}`)
	toolUseStartJSON  = []byte(`{"type":"tool_use_start"}`)
	toolResultJSON    = []byte(`{"type":"tool_result"}`)
	usageJSON         = []byte(`{"type":"usage"}`)
	citationsJSON     = []byte(`{"type":"citations"}`)
	errorJSON         = []byte(`{"type":"error"}`)
)

// StreamEvent is the closed set of normalized events an adapter can emit.
// Every provider's wire protocol is reduced to these before the engine sees
// it.
type StreamEvent interface {
	streamEvent()
}

// TextDelta carries an increment of visible answer text.
type TextDelta struct {
	Text      string          `json:"text"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (TextDelta) streamEvent() {}

// ThinkingDelta carries an increment of model reasoning text.
type ThinkingDelta struct {
	Text      string          `json:"text"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (ThinkingDelta) streamEvent() {}

// ToolUseStart reports that the provider began a server-side tool
// invocation.
type ToolUseStart struct {
	Tool      messages.ToolUse `json:"tool"`
	Timestamp strfmt.DateTime  `json:"timestamp,omitempty"`
}

func (ToolUseStart) streamEvent() {}

// ToolResult reports the outcome of a previously started tool invocation.
type ToolResult struct {
	Outcome   messages.ToolOutcome `json:"outcome"`
	Timestamp strfmt.DateTime      `json:"timestamp,omitempty"`
}

func (ToolResult) streamEvent() {}

// Usage carries token accounting. Adapters may emit it more than once; the
// engine folds repeats together.
type Usage struct {
	Usage     billing.Usage   `json:"usage"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Usage) streamEvent() {}

// Citations carries source URLs collected during the stream. Emitted at most
// once, after the final text delta.
type Citations struct {
	URLs      []string        `json:"urls"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Citations) streamEvent() {}

// Error terminates a stream abnormally. No further events follow it.
type Error struct {
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) streamEvent() {}

func (e Error) Error() string {
	return fmt.Sprintf("timestamp: %s, error: %v", e.Timestamp, e.Err)
}

// MarshalJSON implements custom JSON marshaling for TextDelta
func (t TextDelta) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(textDeltaJSON, "text", t.Text)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, t.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for TextDelta
func (t *TextDelta) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "text_delta")
	if err != nil {
		return err
	}
	text := body.Get("text")
	if !text.Exists() {
		return errors.New("missing required field 'text'")
	}
	t.Text = text.String()
	t.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for ThinkingDelta
func (t ThinkingDelta) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(thinkingDeltaJSON, "text", t.Text)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, t.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for ThinkingDelta
func (t *ThinkingDelta) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "thinking_delta")
	if err != nil {
		return err
	}
	text := body.Get("text")
	if !text.Exists() {
		return errors.New("missing required field 'text'")
	}
	t.Text = text.String()
	t.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for ToolUseStart
func (t ToolUseStart) MarshalJSON() ([]byte, error) {
	tool, err := json.Marshal(t.Tool)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool: %w", err)
	}
	result, err := sjson.SetRawBytes(toolUseStartJSON, "tool", tool)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, t.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for ToolUseStart
func (t *ToolUseStart) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "tool_use_start")
	if err != nil {
		return err
	}
	tool := body.Get("tool")
	if !tool.Exists() {
		return errors.New("missing required field 'tool'")
	}
	if err := json.Unmarshal([]byte(tool.Raw), &t.Tool); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}
	t.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for ToolResult
func (t ToolResult) MarshalJSON() ([]byte, error) {
	outcome, err := json.Marshal(t.Outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome: %w", err)
	}
	result, err := sjson.SetRawBytes(toolResultJSON, "outcome", outcome)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, t.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for ToolResult
func (t *ToolResult) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "tool_result")
	if err != nil {
		return err
	}
	outcome := body.Get("outcome")
	if !outcome.Exists() {
		return errors.New("missing required field 'outcome'")
	}
	if err := json.Unmarshal([]byte(outcome.Raw), &t.Outcome); err != nil {
		return fmt.Errorf("invalid outcome: %w", err)
	}
	t.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for Usage
func (u Usage) MarshalJSON() ([]byte, error) {
	usage, err := json.Marshal(u.Usage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage: %w", err)
	}
	result, err := sjson.SetRawBytes(usageJSON, "usage", usage)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, u.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for Usage
func (u *Usage) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "usage")
	if err != nil {
		return err
	}
	usage := body.Get("usage")
	if !usage.Exists() {
		return errors.New("missing required field 'usage'")
	}
	if err := json.Unmarshal([]byte(usage.Raw), &u.Usage); err != nil {
		return fmt.Errorf("invalid usage: %w", err)
	}
	u.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for Citations
func (c Citations) MarshalJSON() ([]byte, error) {
	urls, err := json.Marshal(c.URLs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal urls: %w", err)
	}
	result, err := sjson.SetRawBytes(citationsJSON, "urls", urls)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, c.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for Citations
func (c *Citations) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "citations")
	if err != nil {
		return err
	}
	urls := body.Get("urls")
	if !urls.Exists() {
		return errors.New("missing required field 'urls'")
	}
	if err := json.Unmarshal([]byte(urls.Raw), &c.URLs); err != nil {
		return fmt.Errorf("invalid urls: %w", err)
	}
	c.Timestamp = ts
	return nil
}

// MarshalJSON implements custom JSON marshaling for Error
func (e Error) MarshalJSON() ([]byte, error) {
	result := errorJSON
	var err error
	if e.Err != nil {
		result, err = sjson.SetBytes(result, "error", e.Err.Error())
		if err != nil {
			return nil, err
		}
	}
	return setTimestamp(result, e.Timestamp)
}

// UnmarshalJSON implements custom JSON unmarshaling for Error
func (e *Error) UnmarshalJSON(data []byte) error {
	body, ts, err := checkEvent(data, "error")
	if err != nil {
		return err
	}
	errMsg := body.Get("error")
	if !errMsg.Exists() {
		return errors.New("missing required field 'error'")
	}
	e.Err = errors.New(errMsg.String())
	e.Timestamp = ts
	return nil
}

func setTimestamp(result []byte, ts strfmt.DateTime) ([]byte, error) {
	if ts.IsZero() {
		return result, nil
	}
	return sjson.SetBytes(result, "timestamp", ts.String())
}

func checkEvent(data []byte, want string) (gjson.Result, strfmt.DateTime, error) {
	var ts strfmt.DateTime
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, ts, fmt.Errorf("invalid json: %s", data)
	}
	body := gjson.ParseBytes(data)
	msgType := body.Get("type")
	if !msgType.Exists() || msgType.String() != want {
		return gjson.Result{}, ts, fmt.Errorf("missing or invalid type, expected %q", want)
	}
	if timestamp := body.Get("timestamp"); timestamp.Exists() {
		if err := ts.UnmarshalText([]byte(timestamp.String())); err != nil {
			return gjson.Result{}, ts, fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return body, ts, nil
}
