// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/history"
	"github.com/jeranaias/agentdock/internal/settings"
	"github.com/jeranaias/agentdock/internal/util"
)

func newHistoryCmd(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and trim conversations",
	}
	cmd.AddCommand(newHistoryShowCmd(f), newHistoryClearCmd(f), newHistoryPruneCmd(f))
	return cmd
}

func newHistoryShowCmd(f *globalFlags) *cobra.Command {
	var (
		full    bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				if _, ok := app.Agents.Get(args[0]); !ok {
					return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
				}
				turns := app.History.History(args[0])
				if jsonOut {
					return NewJSONResponse("history show", turns).Write(app.Out)
				}
				printTurns(app.Out, turns, !full)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print complete messages")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// printTurns lists turns, one line each when brief is set.
func printTurns(w io.Writer, turns []history.Turn, brief bool) {
	if len(turns) == 0 {
		fmt.Fprintln(w, DimStyle.Render("[No messages yet]"))
		return
	}
	for i, t := range turns {
		role := string(t.Role)
		switch t.Role {
		case history.RoleUser:
			role = userRoleStyle.Render("You")
		case history.RoleAssistant:
			role = assistantRoleStyle.Render("AI")
		}
		content := t.Content
		if brief {
			content = util.Truncate(strings.ReplaceAll(content, "\n", " "), 100)
		}
		fmt.Fprintf(w, "  %d. %s: %s\n", i+1, role, content)
	}
}

func newHistoryClearCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <agent-id>",
		Short: "Delete an agent's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				if _, ok := app.Agents.Get(args[0]); !ok {
					return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
				}
				if err := app.History.Clear(args[0]); err != nil {
					return NewCommandError("history", "clear", err)
				}
				fmt.Fprintf(app.Out, "%s conversation with %s cleared\n", SuccessStyle.Render("[OK]"), args[0])
				return nil
			})
		},
	}
}

func newHistoryPruneCmd(f *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Trim every conversation to the history limit",
		Long: `Trim every conversation to the newest messages allowed by the history
limit. With --limit the limit is changed and saved first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				before := totalTurns(app.History)
				if cmd.Flags().Changed("limit") {
					if _, err := app.Settings.Update(func(s *settings.Settings) { s.MessageHistoryLimit = limit }); err != nil {
						return NewCommandError("history", "prune", err)
					}
					if err := app.History.SetLimit(limit); err != nil {
						return NewCommandError("history", "prune", err)
					}
				}
				if _, err := app.History.Prune(); err != nil {
					return NewCommandError("history", "prune", err)
				}
				dropped := before - totalTurns(app.History)
				fmt.Fprintf(app.Out, "%s removed %d messages (limit %d per agent)\n",
					SuccessStyle.Render("[OK]"), dropped, app.History.Limit())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", history.DefaultLimit, "new per-agent message limit")
	return cmd
}

func totalTurns(h *history.Store) int {
	n := 0
	for _, id := range h.Agents() {
		n += h.Len(id)
	}
	return n
}
