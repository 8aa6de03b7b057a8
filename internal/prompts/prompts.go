// Package prompts holds the prompt text shipped with the service. Prompts
// live in plain text files embedded at build time so they can be edited
// without touching Go code.
package prompts

import (
	_ "embed"
	"strings"
)

//go:embed system.txt
var systemPrompt string

//go:embed anthropic_code_block_hack.txt
var anthropicCodeBlockHack string

// System returns the base system prompt for all model interactions.
func System() string {
	return strings.TrimRight(systemPrompt, "\n")
}

// AnthropicSuffix returns the Anthropic-specific code-block formatting
// suffix appended to the last user message.
func AnthropicSuffix() string {
	return strings.TrimRight(anthropicCodeBlockHack, "\n")
}

// FormatUserMessageWithHack applies provider-specific prompt engineering to
// a user message. Only Anthropic gets the code-block suffix; other providers
// receive the message unchanged.
func FormatUserMessageWithHack(message, provider string) string {
	if provider == "Anthropic" {
		return message + AnthropicSuffix()
	}
	return message
}
