// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/export"
)

func newExportCmd(f *globalFlags) *cobra.Command {
	var (
		format string
		outDir string
		open   bool
	)
	cmd := &cobra.Command{
		Use:   "export <agent-id>",
		Short: "Write a conversation to a file",
		Long: `Write an agent's conversation to Markdown, JSON or a Word document.

Word output is an HTML document with a .doc extension that Word and
LibreOffice open directly.`,
		Example: `  agentdock export a1 --format doc --out ~/Documents`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmtKind, err := export.ParseFormat(format)
			if err != nil {
				return usageErrorf("%v (use md, json or doc)", err)
			}
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				p, ok := app.Agents.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
				}
				opts := export.DefaultOptions()
				opts.OutputDir = outDir
				opts.OpenAfterExport = open
				path, err := export.Conversation(p, app.History.History(p.ID), fmtKind, opts)
				if err != nil {
					return NewCommandError("export", string(fmtKind), err)
				}
				fmt.Fprintf(app.Out, "%s exported to %s\n", SuccessStyle.Render("[OK]"), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "output format: md, json or doc")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().BoolVar(&open, "open", false, "open the file when done")
	return cmd
}
