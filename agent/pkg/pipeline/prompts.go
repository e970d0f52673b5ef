package pipeline

import (
	"fmt"
	"strings"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline/prompts"
)

// Prompts contains the pipeline's system prompts.
type Prompts struct {
	Generate string // SQL generation
	Insight  string // insight and recommendation generation
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Insight, err = loadPrompt("INSIGHT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INSIGHT: %w", err)
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
