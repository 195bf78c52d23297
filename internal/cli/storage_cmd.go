// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/history"
)

func newStorageCmd(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and repair stored data",
	}
	cmd.AddCommand(newStorageStatusCmd(f), newStorageRecoverCmd(f))
	return cmd
}

func newStorageStatusCmd(f *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which storage tiers are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd, f, func(app *App) error {
				st := app.Store.Status()
				if jsonOut {
					return NewJSONResponse("storage status", statusJSON(st, app)).Write(app.Out)
				}

				w := app.Out
				fmt.Fprintln(w, TitleStyle.Render("Storage"))
				for _, t := range []durable.Tier{durable.TierPrimary, durable.TierSession, durable.TierMemory} {
					state := "unavailable"
					if st.Available[t] {
						state = "available"
					}
					fmt.Fprintf(w, "%s %s %s\n", RenderLabel(t.String()), RenderStatus(state), DimStyle.Render(tierLocation(t, app)))
				}
				if st.MemoryOnly {
					fmt.Fprintln(w, WarningStyle.Render("Memory only: nothing will survive this process."))
				}
				fmt.Fprintf(w, "%s %s\n", RenderLabel("Device"), st.Device)
				if !st.LastSave.IsZero() {
					fmt.Fprintf(w, "%s %s (%s)\n", RenderLabel("Last save"),
						st.LastSave.Format("2006-01-02 15:04:05"), st.LastSaveTier)
				}

				keys := make([]string, 0, len(st.Placements))
				for k := range st.Placements {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "%s %s\n", RenderLabel(k), st.Placements[k])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func tierLocation(t durable.Tier, app *App) string {
	switch t {
	case durable.TierPrimary:
		return app.Config.Storage.PrimaryPath()
	case durable.TierSession:
		return durable.SessionDir(app.Config.Storage.SessionRoot, app.Config.Storage.SessionID)
	default:
		return "process memory"
	}
}

func statusJSON(st durable.Status, app *App) map[string]any {
	tiers := map[string]bool{}
	for t, ok := range st.Available {
		tiers[t.String()] = ok
	}
	placements := map[string]string{}
	for k, t := range st.Placements {
		placements[k] = t.String()
	}
	return map[string]any{
		"tiers":       tiers,
		"memory_only": st.MemoryOnly,
		"device":      st.Device.String(),
		"placements":  placements,
		"primary":     tierLocation(durable.TierPrimary, app),
		"session":     tierLocation(durable.TierSession, app),
	}
}

// recoverable lists the records storage recover checks, with a validator.
var recoverable = []struct {
	key   string
	valid func(string) bool
}{
	{durable.KeyAgents, agents.ValidCollection},
	{durable.KeyHistories, history.ValidHistories},
	{durable.KeySettings, func(raw string) bool { return json.Valid([]byte(raw)) }},
}

func newStorageRecoverCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restore damaged records from backups",
		Long: `Check each stored record and, when it is missing or damaged, restore the
newest valid copy from any tier or backup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd, f, func(app *App) error {
				for _, r := range recoverable {
					raw := app.Store.Get(r.key, "")
					if raw != "" && r.valid(raw) {
						fmt.Fprintf(app.Out, "%s %s\n", RenderLabel(r.key), RenderStatus("ok"))
						continue
					}
					rec, ok := app.Store.RecoverAll(r.key, r.valid)
					switch {
					case ok:
						fmt.Fprintf(app.Out, "%s %s restored from %s\n", RenderLabel(r.key), RenderStatus("warn"), rec.Source)
					case raw == "":
						fmt.Fprintf(app.Out, "%s %s nothing stored\n", RenderLabel(r.key), RenderStatus("none"))
					default:
						fmt.Fprintf(app.Out, "%s %s damaged, no valid copy found\n", RenderLabel(r.key), RenderStatus("fail"))
					}
				}
				return nil
			})
		},
	}
}
