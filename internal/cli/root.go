// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/agentdock/internal/config"
)

// Version is set at build time.
var Version = "dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	dataDir    string
	catalogURL string
	device     string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "agentdock",
		Short: "Chat with configurable AI agents from the terminal",
		Long: `agentdock keeps a list of AI agents, each with its own endpoint, model
and system prompt, and lets you chat with them. Agents and conversations are
stored durably with automatic backups.

Run "agentdock chat" to start.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.agentdock/config.toml)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory for the primary database")
	pf.StringVar(&flags.catalogURL, "catalog", "", "agent catalog URL or file path")
	pf.StringVar(&flags.device, "device", "", "device class: auto, desktop or mobile")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newChatCmd(flags),
		newAgentsCmd(flags),
		newHistoryCmd(flags),
		newExportCmd(flags),
		newStorageCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// Execute runs the command line and returns the exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		DisplayError(root.ErrOrStderr(), err)
		return ExitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// CONFIG AND APP LOADING
// =============================================================================

// loadConfig reads the config file and applies flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFromPath(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if f.dataDir != "" {
		cfg.Storage.DataDir = f.dataDir
	}
	if f.catalogURL != "" {
		cfg.Catalog.URL = f.catalogURL
	}
	if f.device != "" {
		cfg.Device.Class = f.device
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// withApp opens the full App for the duration of fn.
func withApp(cmd *cobra.Command, f *globalFlags, fn func(ctx context.Context, app *App) error) (err error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	app, err := Open(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	err = fn(cmd.Context(), app)
	app.FlushNotices()
	return err
}

// withStorage opens only the store and settings for fn.
func withStorage(cmd *cobra.Command, f *globalFlags, fn func(app *App) error) (err error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	app, err := OpenStorage(cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(app)
}

// stdinIsTerminal lets tests force the non-interactive path.
var stdinIsTerminal = func() bool { return IsTTY() && os.Getenv("TERM") != "dumb" }
