// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/config"
	"github.com/jeranaias/agentdock/internal/util"
)

func newConfigCmd(f *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}
	cmd.AddCommand(
		newConfigPathCmd(f),
		newConfigShowCmd(f),
		newConfigGetCmd(f),
		newConfigSetCmd(f),
	)
	return cmd
}

func newConfigPathCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configTarget(f)
			if err != nil {
				return err
			}
			state := "not created"
			if _, err := os.Stat(path); err == nil {
				state = "exists"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", path, DimStyle.Render("("+state+")"))
			return nil
		},
	}
}

func newConfigShowCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file, environment and flags are applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.TOML())
			return nil
		},
	}
}

func newConfigGetCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Print one configuration value",
		Example: `  agentdock config get catalog.cooldown_secs`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return usageErrorf("%v (keys: %s)", err, strings.Join(config.GetAllKeys(), ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newConfigSetCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one configuration value",
		Long: `Change one value in the config file, creating the file if needed.
Environment overrides are not written back.`,
		Example: `  agentdock config set catalog.url https://example.com/agents.json
  agentdock config set storage.disable_session true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configTarget(f)
			if err != nil {
				return err
			}
			isJSON := strings.HasSuffix(path, ".json")

			cfg := config.Default()
			if _, statErr := os.Stat(path); statErr == nil {
				if isJSON {
					err = config.LoadJSON(cfg, path)
				} else {
					err = config.LoadTOML(cfg, path)
				}
				if err != nil {
					return NewCommandError("config", "read "+path, err)
				}
			} else if !errors.Is(statErr, fs.ErrNotExist) {
				return NewCommandError("config", "read "+path, statErr)
			}

			if err := cfg.Set(args[0], args[1]); err != nil {
				return usageErrorf("%v", err)
			}
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				return usageErrorf("%v", err)
			}

			if isJSON {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				err = util.WriteFileAtomic(path, append(data, '\n'), 0600)
			} else {
				err = config.SaveTOML(cfg, path)
			}
			if err != nil {
				return NewCommandError("config", "write "+path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("[OK]"), args[0], args[1])
			return nil
		},
	}
}

// configTarget is the file config path and config set operate on.
func configTarget(f *globalFlags) (string, error) {
	if f.configPath != "" {
		return f.configPath, nil
	}
	return config.ConfigPathTOML()
}
