// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/completion"
	"github.com/jeranaias/agentdock/internal/config"
	"github.com/jeranaias/agentdock/internal/detect"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/history"
	"github.com/jeranaias/agentdock/internal/logging"
	"github.com/jeranaias/agentdock/internal/notify"
	"github.com/jeranaias/agentdock/internal/settings"
)

// =============================================================================
// APP
// =============================================================================

// App owns the services shared by the commands.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Device   detect.Class
	Notices  *notify.Recorder
	Store    *durable.Store
	Settings *settings.Manager

	// Set by Open, nil after OpenStorage.
	History      *history.Store
	Agents       *agents.Registry
	Catalog      *agents.Fetcher
	Client       *completion.Client
	Conversation *completion.Conversation

	Out    io.Writer
	ErrOut io.Writer

	watcher   *agents.CatalogWatcher
	logCloser io.Closer
	closed    bool
}

// OpenStorage builds the logger, store and settings only. It is used by
// commands that must not rewrite records, such as storage recover.
func OpenStorage(cfg *config.Config, out, errOut io.Writer) (*App, error) {
	log, closer, err := logging.NewWithWriter(cfg.Log, errOut)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}

	app := &App{
		Config:    cfg,
		Log:       log,
		Device:    detect.Resolve(cfg.Device.Class),
		Notices:   notify.NewRecorder(),
		Out:       out,
		ErrOut:    errOut,
		logCloser: closer,
	}

	app.Store = durable.Open(durable.Config{
		PrimaryPath:    cfg.Storage.PrimaryPath(),
		PrimaryQuota:   cfg.Storage.PrimaryQuotaBytes,
		SessionDir:     durable.SessionDir(cfg.Storage.SessionRoot, cfg.Storage.SessionID),
		SessionQuota:   cfg.Storage.SessionQuotaBytes,
		DisablePrimary: cfg.Storage.DisablePrimary,
		DisableSession: cfg.Storage.DisableSession,
	}, durable.Options{
		HighValueKeys:    []string{durable.KeyAgents},
		Device:           app.Device,
		DatedBackupsKeep: cfg.Storage.DatedBackupsKeep,
		Logger:           log,
		Notices:          app.Notices,
	})

	app.Settings = settings.NewManager(app.Store, log)
	app.Settings.Load()
	return app, nil
}

// Open builds every service and initializes the agent registry. Storage and
// catalog problems are reported as notices; Open fails only when logging
// cannot be set up.
func Open(ctx context.Context, cfg *config.Config, out, errOut io.Writer) (*App, error) {
	app, err := OpenStorage(cfg, out, errOut)
	if err != nil {
		return nil, err
	}
	prefs := app.Settings.Get()

	app.History = history.New(app.Store,
		history.WithLimit(prefs.MessageHistoryLimit),
		history.WithLogger(app.Log),
		history.WithNotices(app.Notices),
	)
	if err := app.History.Load(); err != nil {
		app.Log.Warn().Err(err).Msg("conversation history reset")
	}

	regOpts := []agents.Option{
		agents.WithHistories(app.History),
		agents.WithDevice(app.Device),
		agents.WithAutoSaveIntervals(cfg.AutoSave.Intervals()),
		agents.WithLogger(app.Log),
		agents.WithNotices(app.Notices),
	}
	if cfg.Catalog.URL != "" {
		app.Catalog = agents.NewFetcher(cfg.Catalog.URL,
			agents.WithCooldown(cfg.Catalog.Cooldown()),
			agents.WithFetchTimeout(cfg.Catalog.Timeout()),
			agents.WithFetcherLogger(app.Log),
			agents.WithFetcherNotices(app.Notices),
		)
		regOpts = append(regOpts, agents.WithCatalog(app.Catalog))
	}
	app.Agents = agents.NewRegistry(app.Store, regOpts...)
	if err := app.Agents.Initialize(ctx); err != nil {
		app.Log.Warn().Err(err).Msg("agent registry started in recovery mode")
	}

	app.Client = completion.NewClient(
		completion.WithHeaderTimeout(cfg.Completion.Timeout()),
		completion.WithLogger(app.Log),
	)
	app.Conversation = completion.NewConversation(app.Client, app.History)
	return app, nil
}

// WatchCatalog reloads built-in agents when a local catalog file changes.
// It is a no-op for remote or absent catalogs or when watching is disabled.
func (a *App) WatchCatalog(ctx context.Context) error {
	if a.Catalog == nil || !a.Config.Catalog.Watch || agents.IsRemote(a.Catalog.Source()) || a.watcher != nil {
		return nil
	}
	w, err := agents.NewCatalogWatcher(agents.LocalPath(a.Catalog.Source()), 0, func() {
		a.Catalog.Invalidate()
		if err := a.Agents.Refresh(ctx); err != nil {
			a.Log.Warn().Err(err).Msg("catalog reload failed")
		}
	}, a.Log)
	if err != nil {
		return err
	}
	if err := w.Watch(); err != nil {
		_ = w.Close()
		return err
	}
	a.watcher = w
	return nil
}

// FlushNotices prints and clears collected notices.
func (a *App) FlushNotices() {
	notices := a.Notices.Drain()
	if !a.Settings.Get().NotificationsEnabled {
		return
	}
	for _, n := range notices {
		fmt.Fprintf(a.ErrOut, "%s %s\n", WarningStyle.Render("[Notice]"), n.Message)
	}
}

// Close stops background work, saves the agent list and closes storage.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.Agents != nil {
		if err := a.Agents.Close(); err != nil && !errors.Is(err, agents.ErrEmptyCollection) {
			errs = append(errs, err)
		}
	}
	a.FlushNotices()
	errs = append(errs, a.Store.Close(), a.logCloser.Close())
	return errors.Join(errs...)
}
