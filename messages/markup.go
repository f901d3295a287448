package messages

import (
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// In-band markup embedded in assistant text. The frontend parses these spans
// out of the content stream; they are not a separate channel.
const (
	ThinkOpen  = "<think>\n"
	ThinkClose = "\n</think>\n\n"
)

var (
	thinkRE      = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolUseRE    = regexp.MustCompile(`(?s)<tool_use>.*?</tool_use>`)
	toolResultRE = regexp.MustCompile(`(?s)<tool_result>.*?</tool_result>`)
	citationsRE  = regexp.MustCompile(`(?s)<citations>.*?</citations>`)
)

// StripMarkup removes every reasoning, tool and citation span from assistant
// text, leaving clean plain text suitable for replay as history. Stripping
// already-stripped text is a no-op.
func StripMarkup(content string) string {
	content = thinkRE.ReplaceAllString(content, "")
	content = toolUseRE.ReplaceAllString(content, "")
	content = toolResultRE.ReplaceAllString(content, "")
	content = citationsRE.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// ToolUse is the payload embedded in a <tool_use> span when a provider starts
// a tool invocation.
type ToolUse struct {
	ToolID     string `json:"tool_id"`
	ServerName string `json:"server_name"`
	ToolName   string `json:"tool_name"`
}

// ToolOutcome is the payload embedded in a <tool_result> span when the
// provider reports completion of a prior invocation.
type ToolOutcome struct {
	ToolID     string `json:"tool_id"`
	ServerName string `json:"server_name"`
	ToolName   string `json:"tool_name"`
	IsError    bool   `json:"is_error"`
	Result     string `json:"result"`
}

// WrapToolUse renders the tool-use span, newline-framed so it lands on its
// own block in the rendered stream.
func WrapToolUse(tu ToolUse) string {
	payload, err := json.Marshal(tu)
	if err != nil {
		return ""
	}
	return "\n\n<tool_use>\n" + string(payload) + "\n</tool_use>\n"
}

// WrapToolResult renders the tool-result span.
func WrapToolResult(to ToolOutcome) string {
	payload, err := json.Marshal(to)
	if err != nil {
		return ""
	}
	return "\n<tool_result>\n" + string(payload) + "\n</tool_result>\n\n"
}

// CitationsBlock renders the trailing citations span, one source URL per
// line. Returns the empty string when there are no sources.
func CitationsBlock(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return "\n\n<citations>\n" + strings.Join(urls, "\n") + "\n</citations>"
}
