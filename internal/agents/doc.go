// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agents manages agent profiles: named bundles of endpoint, key,
// model, system prompt and generation parameters.
//
// Profiles come from two places. The catalog is a declarative JSON list of
// built-in agents, fetched over HTTP or read from a file. Local profiles are
// authored by the user and persisted through the durable store. The Registry
// merges both, giving local profiles precedence when ids collide.
//
// # Key Types
//
//   - Profile: one agent
//   - Registry: the owned, mutex-guarded profile collection
//   - Fetcher: cached, single-flight, rate-limited catalog loader
//   - CatalogWatcher: file catalog change notifications
//
// # Usage
//
//	fetcher := agents.NewFetcher(cfg.Catalog.URL)
//	reg := agents.NewRegistry(store,
//		agents.WithCatalog(fetcher),
//		agents.WithHistories(hist),
//	)
//	if err := reg.Initialize(ctx); err != nil {
//		log.Warn().Err(err).Msg("agents initialized in recovery mode")
//	}
//	reg.StartAutoSave(ctx)
//	defer reg.Close()
package agents
