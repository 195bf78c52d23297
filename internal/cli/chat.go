// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// Command: chat [agent-id]
// Short:   Chat with an agent
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /agents             List agents
//   /use <id>           Switch agent
//   /clear, /c          Clear this agent's conversation
//   /history            Show the conversation
//   /export [fmt]       Export the conversation (md, json) or the last reply (doc)
//   /markdown           Toggle markdown rendering
//   /status, /s         Show session status
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel the current reply
//   Ctrl+D              Exit chat

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/completion"
	"github.com/jeranaias/agentdock/internal/config"
	"github.com/jeranaias/agentdock/internal/export"
	"github.com/jeranaias/agentdock/internal/history"
	"github.com/jeranaias/agentdock/internal/settings"
)

// stdoutIsTerminal lets tests force plain streaming output.
var stdoutIsTerminal = IsStdoutTTY

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input per call. io.EOF ends the session.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads saved input history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	c := &ChatCLI{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line with the given prompt. Ctrl+C at the prompt ends
// the session like Ctrl+D.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves input history with 0600 permissions and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = c.line.WriteHistory(f)
			f.Close()
		}
	}
	_ = c.line.Close()
}

// scanReader reads piped input without line editing.
type scanReader struct {
	sc  *bufio.Scanner
	out io.Writer
}

func newScanReader(in io.Reader, out io.Writer) *scanReader {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &scanReader{sc: sc, out: out}
}

func (r *scanReader) ReadInput(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (r *scanReader) Close() {}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCmd(f *globalFlags) *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:   "chat [agent-id]",
		Short: "Chat with an agent",
		Long: `Start an interactive chat with an agent. Without an id the first agent
is used. Type /help during the chat for commands.`,
		Example: `  agentdock chat
  agentdock chat a1
  echo "hello" | agentdock chat a1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := ""
			if len(args) == 1 {
				agentID = args[0]
			}
			return withApp(cmd, f, func(ctx context.Context, app *App) error {
				var input lineReader
				if stdinIsTerminal() {
					input = NewChatCLI()
				} else {
					input = newScanReader(cmd.InOrStdin(), app.Out)
				}
				defer input.Close()

				session := NewChatSession(app, input, exportDir)
				return session.Run(ctx, agentID)
			})
		},
	}
	cmd.Flags().StringVar(&exportDir, "export-dir", ".", "directory for /export files")
	return cmd
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the state for an interactive chat session.
type ChatSession struct {
	App       *App
	Agent     agents.Profile
	ExportDir string

	StartTime time.Time
	Sent      int

	input lineReader

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewChatSession creates a session reading from input.
func NewChatSession(app *App, input lineReader, exportDir string) *ChatSession {
	if exportDir == "" {
		exportDir = "."
	}
	return &ChatSession{
		App:       app,
		ExportDir: exportDir,
		StartTime: time.Now(),
		input:     input,
	}
}

// Run selects the starting agent and runs the REPL until EOF, /quit or ctx
// is cancelled.
func (s *ChatSession) Run(ctx context.Context, agentID string) error {
	if agentID == "" {
		if p, ok := s.App.Agents.Active(); ok {
			agentID = p.ID
		} else if list := s.App.Agents.List(); len(list) > 0 {
			agentID = list[0].ID
		}
	}
	if agentID == "" {
		return agents.ErrEmptyCollection
	}
	sel, err := s.App.Agents.Select(agentID)
	if err != nil {
		return err
	}
	s.Agent = sel.Profile
	s.printWelcome(sel)
	s.App.FlushNotices()

	if s.App.Settings.Get().AutoSaveEnabled {
		s.App.Agents.StartAutoSave(ctx)
	}
	if err := s.App.WatchCatalog(ctx); err != nil {
		s.App.Log.Warn().Err(err).Msg("catalog watch unavailable")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()
	go func() {
		for range sigChan {
			if s.cancelReply() {
				fmt.Fprintln(s.App.ErrOut, "\n"+WarningStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := s.input.ReadInput(promptStyle.Render(s.Agent.Name + "> "))
		if err != nil {
			fmt.Fprintln(s.App.Out)
			s.printGoodbye()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !s.HandleLine(ctx, line) {
			s.printGoodbye()
			return nil
		}
		s.App.FlushNotices()
	}
}

// HandleLine processes one line of input. It returns false when the session
// should end. A panic while handling the line is reported and the session
// continues.
func (s *ChatSession) HandleLine(ctx context.Context, line string) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			s.App.Log.Error().Interface("panic", r).Msg("chat turn failed")
			fmt.Fprintf(s.App.ErrOut, "%s internal error: %v\n", ErrorStyle.Render("[Error]"), r)
			cont = true
		}
	}()

	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return true
	case strings.HasPrefix(line, "/"):
		keep, err := s.handleSlashCommand(line)
		if err != nil {
			fmt.Fprintf(s.App.ErrOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		return keep
	case strings.EqualFold(line, "exit"), strings.EqualFold(line, "quit"):
		return false
	}

	if err := s.processMessage(ctx, line); err != nil {
		fmt.Fprintf(s.App.ErrOut, "%s %s\n", ErrorStyle.Render("[Error]"), completion.UserMessage(err))
	}
	return true
}

func (s *ChatSession) cancelReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage sends text to the active agent and prints the reply.
func (s *ChatSession) processMessage(ctx context.Context, text string) error {
	if s.Agent.HasPlaceholderKey() {
		fmt.Fprintf(s.App.ErrOut, "%s %s has no API key. Set one with: agentdock agents edit %s --key KEY\n",
			WarningStyle.Render("[Warning]"), s.Agent.Name, s.Agent.ID)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	prefs := s.App.Settings.Get()
	useMarkdown := prefs.MarkdownEnabled && stdoutIsTerminal()

	out := s.App.Out
	fmt.Fprintln(out)
	printed := 0
	onDelta := func(cumulative string) {
		if useMarkdown || len(cumulative) <= printed {
			return
		}
		fmt.Fprint(out, cumulative[printed:])
		printed = len(cumulative)
	}

	reply, err := s.App.Conversation.Send(ctx, s.Agent, text, onDelta)
	if err != nil {
		if printed > 0 {
			fmt.Fprintln(out)
		}
		return err
	}
	s.Sent++

	if useMarkdown {
		r := newMarkdownRenderer(prefs, GetTerminalWidth())
		fmt.Fprint(out, renderMarkdown(r, reply))
	} else if printed < len(reply) {
		fmt.Fprint(out, reply[printed:])
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out)
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand returns false when the session should end.
func (s *ChatSession) handleSlashCommand(line string) (bool, error) {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	out := s.App.Out

	switch command {
	case "/help", "/h", "/?", "/":
		printChatHelp(out)

	case "/agents":
		printAgentTable(out, s.App.Agents.List(), s.Agent.ID)

	case "/use":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /use <agent-id>")
		}
		sel, err := s.App.Agents.Select(args[0])
		if err != nil {
			return true, err
		}
		s.Agent = sel.Profile
		fmt.Fprintf(out, "%s Switched to %s (%d messages)\n",
			commandStyle.Render("[OK]"), agentNameStyle.Render(s.Agent.Name), sel.HistoryLen)
		if sel.ShowWelcome {
			fmt.Fprintln(out, InfoStyle.Render(WrapText(s.Agent.WelcomeMessage, 0)))
		}

	case "/clear", "/c":
		if err := s.App.History.Clear(s.Agent.ID); err != nil {
			return true, err
		}
		fmt.Fprintln(out, commandStyle.Render("[Conversation cleared]"))

	case "/history":
		printTurns(out, s.App.History.History(s.Agent.ID), true)

	case "/export":
		path, err := s.export(args)
		if err != nil {
			return true, err
		}
		fmt.Fprintf(out, "%s exported to %s\n", commandStyle.Render("[OK]"), path)

	case "/markdown", "/md":
		prefs, err := s.App.Settings.Update(func(p *settings.Settings) {
			p.MarkdownEnabled = !p.MarkdownEnabled
		})
		if err != nil {
			return true, err
		}
		state := "off"
		if prefs.MarkdownEnabled {
			state = "on"
		}
		fmt.Fprintf(out, "%s Markdown rendering %s\n", commandStyle.Render("[OK]"), state)

	case "/status", "/s":
		s.printStatus()

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// export writes the conversation, or the last reply for doc.
func (s *ChatSession) export(args []string) (string, error) {
	name := "md"
	if len(args) > 0 {
		name = args[0]
	}
	format, err := export.ParseFormat(name)
	if err != nil {
		return "", err
	}
	turns := s.App.History.History(s.Agent.ID)

	if format == export.FormatWord {
		reply := lastReply(turns)
		if reply == "" {
			return "", fmt.Errorf("no reply to export yet")
		}
		return export.ToWord(reply, export.SuggestedName(time.Now()), s.ExportDir)
	}

	opts := export.DefaultOptions()
	opts.OutputDir = s.ExportDir
	return export.Conversation(s.Agent, turns, format, opts)
}

func lastReply(turns []history.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == history.RoleAssistant {
			return turns[i].Content
		}
	}
	return ""
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (s *ChatSession) printWelcome(sel agents.Selection) {
	out := s.App.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, TitleStyle.Render("agentdock chat"))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Agent:"), agentNameStyle.Render(s.Agent.Name))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Model:"), ValueStyle.Render(s.Agent.Model))
	if sel.HistoryLen > 0 {
		fmt.Fprintf(out, "%s %d\n", RenderLabel("Messages:"), sel.HistoryLen)
	}
	if s.App.Store.MemoryOnly() {
		fmt.Fprintln(out, WarningStyle.Render("Storage unavailable: this session will not be saved."))
	}
	fmt.Fprintln(out)
	if sel.ShowWelcome {
		fmt.Fprintln(out, InfoStyle.Render(WrapText(s.Agent.WelcomeMessage, 0)))
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(out)
}

func printChatHelp(w io.Writer) {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/agents", "List agents"},
		{"/use <id>", "Switch agent"},
		{"/clear, /c", "Clear this agent's conversation"},
		{"/history", "Show the conversation"},
		{"/export [fmt]", "Export as md or json, or the last reply as doc"},
		{"/markdown", "Toggle markdown rendering"},
		{"/status, /s", "Show session status"},
		{"/quit, /q", "Exit chat"},
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, SectionStyle.Render("Available Commands"))
	fmt.Fprintln(w, RenderSeparator(20))
	for _, c := range commands {
		fmt.Fprintf(w, "  %s  %s\n", commandStyle.Render(fmt.Sprintf("%-15s", c.cmd)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Tip: Ctrl+C cancels the current reply, Ctrl+D exits"))
	fmt.Fprintln(w)
}

func (s *ChatSession) printStatus() {
	out := s.App.Out
	st := s.App.Store.Status()

	fmt.Fprintln(out)
	fmt.Fprintln(out, SectionStyle.Render("Session Status"))
	fmt.Fprintln(out, RenderSeparator(20))
	fmt.Fprintf(out, "  %s %s\n", RenderLabel("Agent:"), agentNameStyle.Render(s.Agent.Name))
	fmt.Fprintf(out, "  %s %s\n", RenderLabel("Model:"), s.Agent.Model)
	fmt.Fprintf(out, "  %s %s\n", RenderLabel("Endpoint:"), s.Agent.APIURL)
	fmt.Fprintf(out, "  %s %d of %d kept\n", RenderLabel("History:"),
		s.App.History.Len(s.Agent.ID), s.App.History.Limit())
	fmt.Fprintf(out, "  %s %d\n", RenderLabel("Sent:"), s.Sent)
	fmt.Fprintf(out, "  %s %s\n", RenderLabel("Duration:"), time.Since(s.StartTime).Round(time.Second))
	fmt.Fprintf(out, "  %s %s\n", RenderLabel("Device:"), st.Device)
	if st.MemoryOnly {
		fmt.Fprintf(out, "  %s %s\n", RenderLabel("Storage:"), WarningStyle.Render("memory only"))
	} else if !st.LastSave.IsZero() {
		fmt.Fprintf(out, "  %s %s at %s\n", RenderLabel("Storage:"), st.LastSaveTier, st.LastSave.Format("15:04:05"))
	}
	fmt.Fprintln(out)
}

func (s *ChatSession) printGoodbye() {
	if s.Sent > 0 {
		fmt.Fprintf(s.App.Out, "%s %d messages in %s\n", DimStyle.Render("Session:"),
			s.Sent, time.Since(s.StartTime).Round(time.Second))
	}
	fmt.Fprintln(s.App.Out, DimStyle.Render("Goodbye!"))
}
