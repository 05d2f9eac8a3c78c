package prompts

import (
	"fmt"
	"strings"
)

// Parameters for the history summarization call. Summaries want a low
// temperature; 1000 tokens comfortably covers the character budget.
const (
	SummaryTemperature = 0.3
	SummaryMaxTokens   = 1000
)

// summaryTemplate asks the model to compress a conversation so the log
// can be rebuilt as seed + summary + current turn. The single format
// verb is the conversation text.
const summaryTemplate = `Summarize this conversation in 700 characters or less.

Conversation:
%s

Summary:`

// SummaryPrompt returns the fully interpolated summarization prompt.
// The caller passes the formatted conversation text (role: content
// pairs).
func SummaryPrompt(conversationText string) string {
	return fmt.Sprintf(summaryTemplate, conversationText)
}

// FormatConversation renders messages as "Role: content" pairs for the
// summarization prompt. Entries without text (pure image turns) are
// noted rather than dropped.
func FormatConversation(pairs [][2]string) string {
	var sb strings.Builder
	for _, p := range pairs {
		role := p[0]
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		content := p[1]
		if content == "" {
			content = "(non-text content)"
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, content)
	}
	return sb.String()
}
