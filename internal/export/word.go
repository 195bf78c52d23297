// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// =============================================================================
// WORD DOCUMENT
// =============================================================================

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

const wordStyle = `<style>
body { font-family: 'Calibri', Arial, sans-serif; line-height: 1.5; margin: 2cm; font-size: 11pt; }
h1 { font-size: 18pt; }
h2 { font-size: 16pt; }
h3 { font-size: 14pt; }
h4 { font-size: 12pt; }
code { font-family: 'Courier New', Courier, monospace; background-color: #f5f5f5; padding: 2px 4px; }
pre { background-color: #f5f5f5; padding: 10px; white-space: pre-wrap; word-wrap: break-word; font-family: 'Courier New', Courier, monospace; }
table { border-collapse: collapse; width: 100%; margin: 10px 0; }
th, td { border: 1px solid #ddd; padding: 8px; }
th { background-color: #f2f2f2; font-weight: bold; text-align: left; }
blockquote { margin: 10px 0; padding-left: 20px; border-left: 4px solid #ddd; color: #666; }
a { color: #0563C1; text-decoration: underline; }
</style>`

// RenderWord converts markdown to a Word-compatible HTML document.
func RenderWord(md, title string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var doc bytes.Buffer
	doc.WriteString(`<html xmlns:o="urn:schemas-microsoft-com:office:office" xmlns:w="urn:schemas-microsoft-com:office:word" xmlns="http://www.w3.org/TR/REC-html40">` + "\n")
	doc.WriteString("<head>\n<meta charset=\"UTF-8\">\n")
	fmt.Fprintf(&doc, "<title>%s</title>\n", html.EscapeString(title))
	doc.WriteString("<!--[if gte mso 9]><xml><w:WordDocument><w:View>Print</w:View></w:WordDocument></xml><![endif]-->\n")
	doc.WriteString(wordStyle)
	doc.WriteString("\n</head>\n<body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("</body>\n</html>\n")
	return doc.Bytes(), nil
}

// ToWord renders markdown into <dir>/<suggestedName>.doc and returns the
// path. An empty name falls back to "reply".
func ToWord(md, suggestedName, dir string) (string, error) {
	name := sanitizeFilename(strings.TrimSuffix(strings.TrimSuffix(suggestedName, ".docx"), ".doc"))
	if strings.TrimSpace(suggestedName) == "" {
		name = "reply"
	}

	doc, err := RenderWord(md, name)
	if err != nil {
		return "", err
	}
	return writeOutput(&Options{OutputDir: dir}, name+".doc", doc)
}

// WordExporter renders a transcript as a Word document.
type WordExporter struct {
	md *MarkdownExporter
}

// NewWordExporter creates a new Word exporter.
func NewWordExporter(opts *Options) *WordExporter {
	md := NewMarkdownExporter(opts)
	md.frontmatter = false
	return &WordExporter{md: md}
}

// Export converts a transcript to a Word document.
func (e *WordExporter) Export(t *Transcript) ([]byte, error) {
	src, err := e.md.Export(t)
	if err != nil {
		return nil, err
	}
	return RenderWord(string(src), t.AgentName)
}

// FileExtension returns the file extension for Word.
func (e *WordExporter) FileExtension() string { return ".doc" }

// MimeType returns the MIME type for Word.
func (e *WordExporter) MimeType() string { return "application/msword" }
