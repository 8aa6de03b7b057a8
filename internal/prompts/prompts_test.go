package prompts

import (
	"strings"
	"testing"
)

func TestFormatUserMessageWithHack(t *testing.T) {
	msg := "do X"

	anthropic := FormatUserMessageWithHack(msg, "Anthropic")
	if !strings.HasPrefix(anthropic, msg) {
		t.Errorf("formatted message should start with the original, got %q", anthropic)
	}
	if anthropic == msg {
		t.Error("Anthropic message should carry the suffix")
	}
	if !strings.HasSuffix(anthropic, AnthropicSuffix()) {
		t.Error("Anthropic message should end with the code block suffix")
	}

	if got := FormatUserMessageWithHack(msg, "OpenAI"); got != msg {
		t.Errorf("OpenAI message should be unchanged, got %q", got)
	}
}

func TestSystemPromptNonEmpty(t *testing.T) {
	if System() == "" {
		t.Error("system prompt must not be empty")
	}
}
