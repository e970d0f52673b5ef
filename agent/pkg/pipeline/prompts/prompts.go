// Package prompts holds the embedded system prompts for the pipeline's LLM
// stages.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
