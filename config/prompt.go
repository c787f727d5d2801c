package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultSystemPrompt is used when neither the workspace nor the user
// provides a SYSTEM.md.
const DefaultSystemPrompt = "You are Opengravity, an AI assistant for developers. You are helpful, concise, and focused on providing practical solutions."

// LoadSystemPrompt returns the workspace SYSTEM.md, then the user's, then the
// built-in default.
func LoadSystemPrompt(workspace string) string {
	candidates := []string{filepath.Join(workspace, Dir, "SYSTEM.md")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, Dir, "SYSTEM.md"))
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if prompt := strings.TrimSpace(string(data)); prompt != "" {
			return prompt
		}
	}
	return DefaultSystemPrompt
}
