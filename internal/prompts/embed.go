// Package prompts provides externalized prompt templates with override
// support and the bounded payload builder for agent requests.
package prompts

import "embed"

//go:embed rules.md repair/*.md commit/*.md
var embeddedFS embed.FS
