// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/agentdock/internal/settings"
)

func TestWrapText(t *testing.T) {
	assert.Equal(t, "short", WrapText("short", 20))
	assert.Equal(t, "one two\nthree", WrapText("one two three", 8))
	assert.Equal(t, "a\n\nb", WrapText("a\n\nb", 8), "blank lines kept")
	assert.Equal(t, "supercalifragilistic", WrapText("supercalifragilistic", 5), "long words are not split")
}

func TestMarkdownStyle(t *testing.T) {
	s := settings.Defaults()
	s.CodeHighlightEnabled = false
	assert.Equal(t, "notty", markdownStyle(s))
}

func TestRenderMarkdown_NilRenderer(t *testing.T) {
	assert.Equal(t, "# raw", renderMarkdown(nil, "# raw"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "(none)", maskKey(""))
	assert.Equal(t, "****", maskKey("abcd"))
	assert.Equal(t, "sk-1********", maskKey("sk-1234567890"))
}
