package loom

import (
	"os"
	"path/filepath"
)

// Prompts are the operator-supplied prompt texts. Each is optional; a
// missing file simply leaves its prompt empty.
type Prompts struct {
	// Markdown is prepended to every turn's instructions.
	Markdown string
	// Persona is appended to the instructions when a request asks for
	// persona mode.
	Persona string
	// Alias is the system prompt for conversation alias generation.
	Alias string
}

// PersonaSuffix is appended to the last text part of the final user turn
// when persona mode is active, to keep the model from breaking role.
const PersonaSuffix = " STAY IN CHARACTER"

// LoadPrompts reads the prompt files from dir.
func LoadPrompts(dir string) Prompts {
	return Prompts{
		Markdown: readPrompt(filepath.Join(dir, "markdown_prompt.txt")),
		Persona:  readPrompt(filepath.Join(dir, "persona_prompt.txt")),
		Alias:    readPrompt(filepath.Join(dir, "alias_prompt.txt")),
	}
}

func readPrompt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
