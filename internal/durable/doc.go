// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package durable provides the tiered key-value store that backs every
// persisted agentdock record.
//
// Three tiers are tried in order for every write:
//
//   - primary: a SQLite database that survives restarts
//   - session: a directory of record files scoped to the current shell session
//   - memory: an in-process map that lives as long as the process
//
// Every write is read back and compared before it counts. A verified primary
// write is mirrored to the session tier as "backup_<key>", and high-value keys
// additionally get "<key>_backup", a dated "<key>_backup_YYYYMMDD" and, on
// mobile devices, "<key>_backup_mobile" copies. Reads fall back through the
// tiers and the backup variants, silently healing the canonical record when a
// backup copy was used.
//
// # Key Types
//
//   - Store: the tiered store; all operations are total and never panic
//   - Backend: one storage tier (SQLiteBackend, FileBackend, MemoryBackend)
//   - Recovery: the value and provenance returned by RecoverAll
//
// # Usage
//
//	store := durable.Open(durable.Config{
//		PrimaryPath: filepath.Join(dataDir, "agentdock.db"),
//		SessionDir:  durable.SessionDir("", ""),
//	}, durable.DefaultOptions())
//	defer store.Close()
//
//	if !store.Set("agents", raw) {
//		// nothing, not even memory, accepted the write
//	}
//	raw = store.Get("agents", "[]")
package durable
