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
	"github.com/jeranaias/agentdock/internal/util"
)

// =============================================================================
// AGENTS COMMAND
// =============================================================================

func newAgentsCmd(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agent profiles",
		Long: `List, inspect, create, edit and delete agent profiles.

Built-in agents come from the catalog and are read-only: editing one saves a
personal copy with a new id.`,
	}
	cmd.AddCommand(
		newAgentsListCmd(f),
		newAgentsShowCmd(f),
		newAgentsAddCmd(f),
		newAgentsEditCmd(f),
		newAgentsDeleteCmd(f),
	)
	return cmd
}

func newAgentsListCmd(f *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				list := app.Agents.List()
				if jsonOut {
					return NewJSONResponse("agents list", list).Write(app.Out)
				}
				active, _ := app.Agents.Active()
				printAgentTable(app.Out, list, active.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printAgentTable(w io.Writer, list []agents.Profile, activeID string) {
	fmt.Fprintf(w, "  %s %s %s %s\n",
		util.PadRight("ID", 24), util.PadRight("NAME", 24), util.PadRight("MODEL", 22), "SOURCE")
	for _, p := range list {
		marker := " "
		if p.ID == activeID {
			marker = "*"
		}
		source := string(p.Source)
		if p.Protected() {
			source += " (built-in)"
		}
		fmt.Fprintf(w, "%s %s %s %s %s\n", marker,
			util.PadRight(util.Truncate(p.ID, 24), 24),
			util.PadRight(util.Truncate(p.Name, 24), 24),
			util.PadRight(util.Truncate(p.Model, 22), 22),
			DimStyle.Render(source))
	}
}

func newAgentsShowCmd(f *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				p, ok := app.Agents.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
				}
				if jsonOut {
					p.APIKey = maskKey(p.APIKey)
					return NewJSONResponse("agents show", p).Write(app.Out)
				}
				printAgent(app.Out, p, app.History.Len(p.ID))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printAgent(w io.Writer, p agents.Profile, turns int) {
	fmt.Fprintln(w, TitleStyle.Render(p.Name))
	rows := [][2]string{
		{"ID", p.ID},
		{"Source", string(p.Source)},
		{"Built-in", fmt.Sprintf("%t", p.IsBuiltIn)},
		{"API URL", p.APIURL},
		{"API key", maskKey(p.APIKey)},
		{"Model", p.Model},
		{"Temperature", fmt.Sprintf("%.2f", p.Temperature)},
		{"Max tokens", fmt.Sprintf("%d", p.MaxTokens)},
		{"History", fmt.Sprintf("%d messages", turns)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s %s\n", RenderLabel(r[0]), ValueStyle.Render(r[1]))
	}
	if p.SystemPrompt != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("System prompt"), util.Truncate(util.FirstLine(p.SystemPrompt), 60))
	}
	if p.WelcomeMessage != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Welcome"), util.Truncate(util.FirstLine(p.WelcomeMessage), 60))
	}
	if p.HasPlaceholderKey() {
		fmt.Fprintln(w, WarningStyle.Render("This agent still has the placeholder API key. Set one with: agentdock agents edit "+p.ID+" --key <key>"))
	}
}

// maskKey shows only the first four characters of a key.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(none)"
	case key == agents.PlaceholderAPIKey:
		return key
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	default:
		return key[:4] + strings.Repeat("*", 8)
	}
}

// =============================================================================
// ADD / EDIT
// =============================================================================

type profileFlags struct {
	id, name, url, key, model, prompt, welcome string
	temperature                                float64
	maxTokens                                  int
}

func (pf *profileFlags) register(cmd *cobra.Command, withID bool) {
	fl := cmd.Flags()
	if withID {
		fl.StringVar(&pf.id, "id", "", "agent id (generated when empty)")
	}
	fl.StringVar(&pf.name, "name", "", "display name")
	fl.StringVar(&pf.url, "url", "", "chat completions endpoint")
	fl.StringVar(&pf.key, "key", "", "API key")
	fl.StringVar(&pf.model, "model", "", "model name")
	fl.StringVar(&pf.prompt, "prompt", "", "system prompt")
	fl.StringVar(&pf.welcome, "welcome", "", "welcome message")
	fl.Float64Var(&pf.temperature, "temperature", 0.7, "sampling temperature (0-2)")
	fl.IntVar(&pf.maxTokens, "max-tokens", 2048, "maximum reply tokens")
}

// apply copies the flags that were set onto p.
func (pf *profileFlags) apply(cmd *cobra.Command, p *agents.Profile) error {
	changed := cmd.Flags().Changed
	set := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	set("name", &p.Name, pf.name)
	set("url", &p.APIURL, pf.url)
	set("key", &p.APIKey, pf.key)
	set("model", &p.Model, pf.model)
	set("prompt", &p.SystemPrompt, pf.prompt)
	set("welcome", &p.WelcomeMessage, pf.welcome)
	if changed("temperature") {
		if pf.temperature < 0 || pf.temperature > 2 {
			return usageErrorf("--temperature must be between 0 and 2, got %g", pf.temperature)
		}
		p.Temperature = pf.temperature
	}
	if changed("max-tokens") {
		if pf.maxTokens < 1 {
			return usageErrorf("--max-tokens must be positive, got %d", pf.maxTokens)
		}
		p.MaxTokens = pf.maxTokens
	}
	return nil
}

func newAgentsAddCmd(f *globalFlags) *cobra.Command {
	pf := &profileFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an agent",
		Example: `  agentdock agents add --name Writer --url https://api.openai.com/v1/chat/completions \
    --key sk-... --model gpt-4o-mini --prompt "You are a careful editor."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(pf.name) == "" {
				return usageErrorf("--name is required")
			}
			draft := agents.Profile{
				ID:          pf.id,
				APIURL:      agents.DefaultAPIURL,
				APIKey:      agents.PlaceholderAPIKey,
				Model:       agents.DefaultModel,
				Temperature: pf.temperature,
				MaxTokens:   pf.maxTokens,
			}
			if err := pf.apply(cmd, &draft); err != nil {
				return err
			}
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				p, err := app.Agents.Add(draft)
				if err != nil {
					return NewCommandError("agents", "add", err)
				}
				fmt.Fprintf(app.Out, "%s created agent %s (%s)\n", SuccessStyle.Render("[OK]"), p.Name, p.ID)
				return nil
			})
		},
	}
	pf.register(cmd, true)
	return cmd
}

func newAgentsEditCmd(f *globalFlags) *cobra.Command {
	pf := &profileFlags{}
	cmd := &cobra.Command{
		Use:   "edit <agent-id>",
		Short: "Edit an agent",
		Long: `Edit an agent's fields. Only the flags given are changed.

Editing a built-in agent saves a personal copy and leaves the original as is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				current, ok := app.Agents.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
				}
				if err := pf.apply(cmd, &current); err != nil {
					return err
				}
				p, err := app.Agents.Update(args[0], current)
				if err != nil {
					return NewCommandError("agents", "edit", err)
				}
				if p.ID != args[0] {
					fmt.Fprintf(app.Out, "%s built-in agent copied to %s\n", SuccessStyle.Render("[OK]"), p.ID)
					return nil
				}
				fmt.Fprintf(app.Out, "%s updated agent %s\n", SuccessStyle.Render("[OK]"), p.ID)
				return nil
			})
		},
	}
	pf.register(cmd, false)
	return cmd
}

func newAgentsDeleteCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <agent-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an agent and its conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(_ context.Context, app *App) error {
				if _, err := app.Agents.Delete(args[0]); err != nil {
					return NewCommandError("agents", "delete", err)
				}
				fmt.Fprintf(app.Out, "%s deleted agent %s\n", SuccessStyle.Render("[OK]"), args[0])
				return nil
			})
		},
	}
}
