// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/agentdock/internal/history"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports transcripts to Markdown.
type MarkdownExporter struct {
	options *Options
	// frontmatter controls the YAML header; the Word exporter turns it off.
	frontmatter bool
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts, frontmatter: true}
}

// Export converts a transcript to Markdown.
func (e *MarkdownExporter) Export(t *Transcript) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("transcript is nil")
	}
	if len(t.Turns) == 0 {
		return nil, ErrEmptyConversation
	}

	var sb strings.Builder
	title := t.AgentName
	if title == "" {
		title = t.AgentID
	}

	if e.options.IncludeMetadata && e.frontmatter {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "agent: %s\n", escapeYAML(title))
		fmt.Fprintf(&sb, "agent_id: %s\n", escapeYAML(t.AgentID))
		fmt.Fprintf(&sb, "model: %s\n", escapeYAML(t.Model))
		fmt.Fprintf(&sb, "messages: %d\n", len(t.Turns))
		fmt.Fprintf(&sb, "exported: %s\n", t.ExportedAt.Format(time.RFC3339))
		sb.WriteString("generator: agentdock\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(title))

	if e.options.IncludeMetadata {
		sb.WriteString("## Session Information\n\n")
		fmt.Fprintf(&sb, "- **Model**: %s\n", t.Model)
		fmt.Fprintf(&sb, "- **Messages**: %d\n", len(t.Turns))
		fmt.Fprintf(&sb, "- **Exported**: %s\n", formatTimestamp(t.ExportedAt))
		sb.WriteString("\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")
	for i, turn := range t.Turns {
		fmt.Fprintf(&sb, "### %s\n\n", roleLabel(turn.Role))
		sb.WriteString(strings.TrimSpace(turn.Content))
		sb.WriteString("\n\n")
		if i < len(t.Turns)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from agentdock on %s*\n",
		t.ExportedAt.Format("January 2, 2006 at 3:04 PM"))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string { return "text/markdown" }

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func roleLabel(role history.Role) string {
	switch role {
	case history.RoleUser:
		return "[User]"
	case history.RoleAssistant:
		return "[Assistant]"
	case history.RoleSystem:
		return "[System]"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// escapeMarkdown escapes characters that would break a heading.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(
		"#", "\\#",
		"*", "\\*",
		"_", "\\_",
		"[", "\\[",
		"]", "\\]",
	).Replace(s)
}

// escapeYAML quotes values containing YAML special characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.NewReplacer(
			"\\", "\\\\",
			"\"", "\\\"",
			"\n", "\\n",
			"\r", "\\r",
		).Replace(s)
		return "\"" + s + "\""
	}
	return s
}
