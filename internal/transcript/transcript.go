// Package transcript renders a session's message log as a markdown
// document, with an HTML variant for browser viewing.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/lbianco/butlerd/internal/llm"
)

// Markdown renders the session log as a markdown document. The first
// message is assumed to be the seed prompt and is rendered as a system
// entry. generatedAt stamps the header.
func Markdown(sessionKey string, messages []llm.Message, generatedAt time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Session %s\n\n", sessionKey))
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n", generatedAt.Format("2006-01-02 15:04:05 MST")))
	sb.WriteString(fmt.Sprintf("**Messages:** %d\n", len(messages)))
	sb.WriteString("\n---\n\n")

	for _, m := range messages {
		switch m.Role {
		case "system":
			sb.WriteString(fmt.Sprintf("### System\n\n%s\n\n", m.Content))
		case "user":
			content := m.Content
			if m.Image != nil {
				content = strings.TrimSpace("(image attached) " + content)
			}
			sb.WriteString(fmt.Sprintf("### User\n\n%s\n\n", content))
		case "assistant":
			if m.Content != "" {
				sb.WriteString(fmt.Sprintf("### Assistant\n\n%s\n\n", m.Content))
			}
			for _, tc := range m.ToolCalls {
				sb.WriteString(fmt.Sprintf("### Capability: %s\n\n", tc.Name))
				if args := formatArguments(tc.Arguments); args != "" {
					sb.WriteString(fmt.Sprintf("**Arguments:**\n```json\n%s\n```\n\n", args))
				}
			}
		case "tool":
			if m.IsError {
				sb.WriteString(fmt.Sprintf("**Capability error:** %s\n\n", m.Content))
			} else {
				sb.WriteString(fmt.Sprintf("**Capability result:**\n```\n%s\n```\n\n", m.Content))
			}
		}
	}

	return sb.String()
}

// HTML renders the session log as a standalone HTML document.
func HTML(sessionKey string, messages []llm.Message, generatedAt time.Time) (string, error) {
	md := Markdown(sessionKey, messages, generatedAt)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render transcript html: %w", err)
	}

	doc := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Session %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, sessionKey, buf.String())

	return doc, nil
}

func formatArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	out, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(out)
}
