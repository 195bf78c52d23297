// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/history"
	"github.com/jeranaias/agentdock/internal/util"
)

// ErrEmptyConversation is returned when there is nothing to export.
var ErrEmptyConversation = errors.New("conversation has no messages")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Transcript is one agent's conversation prepared for export.
type Transcript struct {
	AgentID    string         `json:"agentId"`
	AgentName  string         `json:"agentName"`
	Model      string         `json:"model"`
	ExportedAt time.Time      `json:"exportedAt"`
	Turns      []history.Turn `json:"messages"`
}

// NewTranscript builds a transcript from a profile and its history.
func NewTranscript(p agents.Profile, turns []history.Turn, now time.Time) *Transcript {
	return &Transcript{
		AgentID:    p.ID,
		AgentName:  p.Name,
		Model:      p.Model,
		ExportedAt: now,
		Turns:      append([]history.Turn(nil), turns...),
	}
}

// Exporter converts a transcript into a file format.
type Exporter interface {
	Export(t *Transcript) ([]byte, error)
	// FileExtension includes the leading dot.
	FileExtension() string
	MimeType() string
}

// Format names an export format.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSON     Format = "json"
	FormatWord     Format = "doc"
)

// ParseFormat accepts the format names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "doc", "word", "docx":
		return FormatWord, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where files are written. Default: current directory.
	OutputDir string

	// OpenAfterExport opens the file in the default application.
	OpenAfterExport bool

	// IncludeMetadata adds agent and model details to the document.
	IncludeMetadata bool

	// Now stamps file names and metadata. Default: time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:       ".",
		IncludeMetadata: true,
		Now:             time.Now,
	}
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile runs exporter over t and writes the result into
// opts.OutputDir. It returns the written path.
func ExportToFile(t *Transcript, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(t)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(t.AgentName),
		opts.now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	return writeOutput(opts, filename, content)
}

// Conversation exports one agent's history in the given format.
func Conversation(p agents.Profile, turns []history.Turn, format Format, opts *Options) (string, error) {
	if len(turns) == 0 {
		return "", ErrEmptyConversation
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	t := NewTranscript(p, turns, opts.now())

	var exporter Exporter
	switch format {
	case FormatMarkdown:
		exporter = NewMarkdownExporter(opts)
	case FormatJSON:
		exporter = NewJSONExporter()
	case FormatWord:
		exporter = NewWordExporter(opts)
	default:
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
	return ExportToFile(t, exporter, opts)
}

// SuggestedName is the default file name for an exported reply.
func SuggestedName(now time.Time) string {
	return "reply_" + now.Format("20060102_1504")
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func writeOutput(opts *Options, filename string, content []byte) (string, error) {
	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	outputPath := filepath.Join(dir, filename)
	if err := util.WriteFileAtomicDir(outputPath, content, 0644, 0755); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	if opts.OpenAfterExport {
		// The file exists either way; failing to open it is not an export error.
		_ = openFile(outputPath)
	}
	return outputPath, nil
}

// sanitizeFilename replaces characters that are invalid in file names.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "conversation"
	}
	return string(result)
}

// openFile opens a file in the default application for the OS.
func openFile(path string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", `""`, path)
	case "darwin":
		cmd = exec.Command("open", path)
	case "linux":
		cmd = exec.Command("xdg-open", path)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
