// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes agent conversations and single replies to files.
//
// # Supported Formats
//
//   - Markdown: human-readable transcript with optional YAML frontmatter
//   - JSON: machine-readable transcript
//   - Word: markdown rendered to a Word-styled HTML document (.doc)
//
// # Usage
//
//	path, err := export.Conversation(profile, turns, export.FormatMarkdown, nil)
//
// Export one reply for a word processor:
//
//	path, err := export.ToWord(reply, export.SuggestedName(time.Now()), dir)
package export
