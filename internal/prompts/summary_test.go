package prompts

import (
	"strings"
	"testing"
)

func TestSummaryPrompt(t *testing.T) {
	p := SummaryPrompt("User: hello\n\nAssistant: hi\n\n")
	if !strings.Contains(p, "700 characters or less") {
		t.Error("summary prompt must state the character budget")
	}
	if !strings.Contains(p, "User: hello") {
		t.Error("conversation text missing from prompt")
	}
}

func TestFormatConversation(t *testing.T) {
	got := FormatConversation([][2]string{
		{"user", "hello"},
		{"assistant", ""},
	})
	if !strings.Contains(got, "User: hello") {
		t.Errorf("missing capitalized role line: %q", got)
	}
	if !strings.Contains(got, "Assistant: (non-text content)") {
		t.Errorf("empty content not annotated: %q", got)
	}
}
