// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import "github.com/jeranaias/agentdock/internal/notify"

// Recovery is a value found by RecoverAll and where it came from.
type Recovery struct {
	Value string
	// Source is "<tier>:<key>", e.g. "primary:agents_backup_20250102".
	Source string
}

// recoveryLocations lists every copy of key, freshest first: the in-process
// copy, then primary, then session, then dated backups newest first.
func (s *Store) recoveryLocations(key string) []location {
	locs := []location{
		{TierMemory, key},
		{TierPrimary, key},
		{TierPrimary, BackupKey(key)},
		{TierPrimary, MobileBackupKey(key)},
		{TierSession, key},
		{TierSession, MirrorKey(key)},
		{TierSession, MobileBackupKey(key)},
	}
	for _, k := range s.datedBackups(TierPrimary, key) {
		locs = append(locs, location{TierPrimary, k})
	}
	return locs
}

// RecoverAll scans every tier and backup variant of key and returns the first
// value accept approves. A nil accept approves any non-empty value. When the
// accepted copy is not the primary canonical record it is written back
// through Set.
func (s *Store) RecoverAll(key string, accept func(string) bool) (rec Recovery, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("recover", key, func() { rec, found = Recovery{}, false })

	for _, l := range s.recoveryLocations(key) {
		v, ok := s.read(l)
		if !ok {
			continue
		}
		if accept != nil && !acceptSafe(accept, v) {
			s.log.Debug().Str("location", l.String()).Msg("recovery candidate rejected")
			continue
		}

		rec = Recovery{Value: v, Source: l.String()}
		if l.tier != TierPrimary || l.key != key {
			s.log.Info().Str("key", key).Str("source", rec.Source).Msg("recovered record")
			if s.setLocked(key, v) {
				notify.Emit(s.notices, notify.KindRecoveredFromBackup,
					"Recovered %q from %s.", key, rec.Source)
			}
		}
		return rec, true
	}

	s.log.Warn().Str("key", key).Msg("no recoverable copy found")
	return Recovery{}, false
}

func acceptSafe(accept func(string) bool, v string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return accept(v)
}
