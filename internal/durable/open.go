// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

// Config locates the persistent backends for Open.
type Config struct {
	// PrimaryPath is the SQLite database file.
	PrimaryPath  string
	PrimaryQuota int64
	// SessionDir is the session tier directory, usually from SessionDir().
	SessionDir   string
	SessionQuota int64

	DisablePrimary bool
	DisableSession bool
}

// Open builds the standard three-tier store. A backend that cannot be opened
// is logged and treated as unavailable; Open itself never fails.
func Open(cfg Config, opts Options) *Store {
	log := opts.Logger.With().Str("component", "durable").Logger()

	var primary, session Backend
	if !cfg.DisablePrimary && cfg.PrimaryPath != "" {
		db, err := OpenSQLite(cfg.PrimaryPath, cfg.PrimaryQuota)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.PrimaryPath).Msg("primary storage unavailable")
		} else {
			primary = db
		}
	}
	if !cfg.DisableSession && cfg.SessionDir != "" {
		fb, err := OpenFileBackend(cfg.SessionDir, cfg.SessionQuota)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.SessionDir).Msg("session storage unavailable")
		} else {
			session = fb
		}
	}

	return New(primary, session, NewMemoryBackend(0), opts)
}
