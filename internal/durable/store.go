// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/detect"
	"github.com/jeranaias/agentdock/internal/notify"
)

// Well-known record keys.
const (
	KeyAgents    = "agents"
	KeyHistories = "messageHistories"
	KeySettings  = "settings"
)

// Backup key naming.
const (
	sessionMirrorPrefix = "backup_"
	backupSuffix        = "_backup"
	mobileSuffix        = "_backup_mobile"
	datedLayout         = "20060102"
)

// MirrorKey is the session tier mirror name for key.
func MirrorKey(key string) string { return sessionMirrorPrefix + key }

// BackupKey is the primary tier backup name for a high-value key.
func BackupKey(key string) string { return key + backupSuffix }

// MobileBackupKey is the mobile-only backup name for a high-value key.
func MobileBackupKey(key string) string { return key + mobileSuffix }

// DatedBackupKey is the per-day backup name for a high-value key.
func DatedBackupKey(key string, day time.Time) string {
	return key + backupSuffix + "_" + day.Format(datedLayout)
}

// Pruner shrinks the value for a key after a quota failure. It returns the
// new serialized value and false when nothing could be pruned. It runs on the
// goroutine that called Set, while the Store lock is held, and must not call
// back into the Store.
type Pruner func() (string, bool)

// =============================================================================
// OPTIONS
// =============================================================================

// Options tunes a Store.
type Options struct {
	// HighValueKeys get the extra primary and mobile backups.
	HighValueKeys []string
	// Device selects whether mobile backups are written.
	Device detect.Class
	// DatedBackupsKeep is how many dated backups survive per key (0 keeps all).
	DatedBackupsKeep int
	// Logger receives diagnostics.
	Logger zerolog.Logger
	// Notices receives user-facing notices.
	Notices notify.Sink
	// Now is the clock (tests).
	Now func() time.Time
}

// DefaultOptions returns the options used by agentdock.
func DefaultOptions() Options {
	return Options{
		HighValueKeys:    []string{KeyAgents},
		Device:           detect.Desktop,
		DatedBackupsKeep: 7,
		Logger:           zerolog.Nop(),
		Notices:          notify.Discard,
		Now:              time.Now,
	}
}

// =============================================================================
// STORE
// =============================================================================

// Status is a snapshot of store health.
type Status struct {
	Available    map[Tier]bool
	MemoryOnly   bool
	LastSave     time.Time
	LastSaveTier Tier
	Device       detect.Class
	Placements   map[string]Tier
}

// Store is the tiered key-value store. The zero value is not usable; build
// one with New or Open.
type Store struct {
	mu sync.Mutex

	tiers     [tierCount]Backend
	available [tierCount]bool

	memoryOnly   bool
	lastSave     time.Time
	lastSaveTier Tier
	placed       map[string]Tier
	pruners      map[string]Pruner
	highValue    map[string]bool

	opts    Options
	log     zerolog.Logger
	notices notify.Sink
}

// New builds a store over the given backends. A nil primary or session
// backend marks that tier unavailable; a nil memory backend gets a fresh
// MemoryBackend. Each backend is probed once.
func New(primary, session, memory Backend, opts Options) *Store {
	if memory == nil {
		memory = NewMemoryBackend(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notices == nil {
		opts.Notices = notify.Discard
	}

	s := &Store{
		placed:    make(map[string]Tier),
		pruners:   make(map[string]Pruner),
		highValue: make(map[string]bool),
		opts:      opts,
		log:       opts.Logger.With().Str("component", "durable").Logger(),
		notices:   opts.Notices,
	}
	for _, k := range opts.HighValueKeys {
		s.highValue[k] = true
	}

	s.tiers[TierPrimary] = primary
	s.tiers[TierSession] = session
	s.tiers[TierMemory] = memory

	for t := TierPrimary; t < tierCount; t++ {
		s.available[t] = s.probe(t)
	}

	if !s.available[TierPrimary] && !s.available[TierSession] {
		s.memoryOnly = true
		s.log.Warn().Msg("no persistent storage tier available, using memory only")
		notify.Emit(s.notices, notify.KindMemoryOnly,
			"Persistent storage is unavailable. Changes are kept in memory and will be lost when agentdock exits.")
	}
	return s
}

// probe writes, reads back and removes a sentinel record.
func (s *Store) probe(t Tier) bool {
	b := s.tiers[t]
	if b == nil {
		return false
	}
	key := "_test_" + t.String() + "_available_"
	const sentinel = "ok"

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("tier", t.String()).Interface("panic", r).Msg("probe panicked")
		}
	}()

	if err := b.Set(key, sentinel); err != nil {
		s.log.Warn().Err(err).Str("tier", t.String()).Msg("storage tier unavailable")
		return false
	}
	got, ok, err := b.Get(key)
	_ = b.Remove(key)
	if err != nil || !ok || got != sentinel {
		s.log.Warn().Err(err).Str("tier", t.String()).Msg("storage tier failed read-back probe")
		return false
	}
	return true
}

// RegisterPruner installs the quota pruner for key, replacing any previous one.
func (s *Store) RegisterPruner(key string, fn Pruner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.pruners, key)
		return
	}
	s.pruners[key] = fn
}

// MemoryOnly reports whether both persistent tiers were unavailable at open.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

// Device returns the configured device class.
func (s *Store) Device() detect.Class { return s.opts.Device }

// Status returns a snapshot of tier availability and the last save.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Available:    make(map[Tier]bool, tierCount),
		MemoryOnly:   s.memoryOnly,
		LastSave:     s.lastSave,
		LastSaveTier: s.lastSaveTier,
		Device:       s.opts.Device,
		Placements:   make(map[string]Tier, len(s.placed)),
	}
	for t := TierPrimary; t < tierCount; t++ {
		st.Available[t] = s.available[t]
	}
	for k, t := range s.placed {
		st.Placements[k] = t
	}
	return st
}

// Close closes every backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for t := TierPrimary; t < tierCount; t++ {
		if b := s.tiers[t]; b != nil {
			if err := b.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t, err))
			}
		}
		s.available[t] = false
	}
	return errors.Join(errs...)
}

// =============================================================================
// SET
// =============================================================================

// Set stores value under key in the first tier that verifies it. It returns
// false only when every tier, memory included, failed.
func (s *Store) Set(key, value string) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("set", key, func() { ok = false })
	return s.setLocked(key, value)
}

func (s *Store) setLocked(key, value string) bool {
	retried := false

	for _, t := range []Tier{TierPrimary, TierSession} {
		if !s.available[t] {
			continue
		}
		err := s.writeVerified(t, key, value)
		if err == nil {
			s.stored(t, key, value)
			return true
		}

		if IsQuota(err) && !retried {
			if prune, ok := s.pruners[key]; ok {
				retried = true
				if pruned, changed := prune(); changed {
					s.log.Info().Str("key", key).Int("before", len(value)).Int("after", len(pruned)).
						Msg("pruned record after quota failure")
					notify.Emit(s.notices, notify.KindHistoryPruned,
						"Storage was full, older conversation history was pruned to make room.")
					value = pruned
					if err = s.writeVerified(t, key, value); err == nil {
						s.stored(t, key, value)
						return true
					}
				}
			}
		}

		s.log.Warn().Err(err).Str("tier", t.String()).Str("key", key).Msg("write failed, falling back")
	}

	if err := s.writeVerified(TierMemory, key, value); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("memory write failed")
		return false
	}
	s.stored(TierMemory, key, value)
	return true
}

// writeVerified writes then reads back and compares.
func (s *Store) writeVerified(t Tier, key, value string) error {
	b := s.tiers[t]
	if b == nil {
		return ErrUnavailable
	}
	if err := b.Set(key, value); err != nil {
		return err
	}
	got, ok, err := b.Get(key)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok || got != value {
		return errVerifyMismatch
	}
	return nil
}

// stored finishes a verified write on tier t: placement, backups and cleanup
// of stale canonical copies elsewhere.
func (s *Store) stored(t Tier, key, value string) {
	prev, hadPrev := s.placed[key]
	s.placed[key] = t
	s.lastSave = s.opts.Now()
	s.lastSaveTier = t

	for other := TierPrimary; other < tierCount; other++ {
		if other == t || s.tiers[other] == nil || !s.available[other] {
			continue
		}
		if err := s.tiers[other].Remove(key); err != nil {
			s.log.Debug().Err(err).Str("tier", other.String()).Str("key", key).Msg("stale copy not removed")
		}
	}

	if t == TierPrimary {
		s.writeBackups(key, value)
		return
	}

	if (!hadPrev || prev != t) && !s.memoryOnly {
		notify.Emit(s.notices, notify.KindStorageDegraded,
			"Saved %q to %s storage because primary storage rejected the write.", key, t)
	}
}

// writeBackups replicates a verified primary write. Failures are logged only.
func (s *Store) writeBackups(key, value string) {
	s.bestEffort(TierSession, MirrorKey(key), value)

	if !s.highValue[key] {
		return
	}

	s.bestEffort(TierPrimary, BackupKey(key), value)
	s.bestEffort(TierPrimary, DatedBackupKey(key, s.opts.Now()), value)
	s.pruneDated(key)

	if s.opts.Device.IsMobile() {
		s.bestEffort(TierPrimary, MobileBackupKey(key), value)
		s.bestEffort(TierSession, MobileBackupKey(key), value)
	}
}

func (s *Store) bestEffort(t Tier, key, value string) {
	if !s.available[t] {
		return
	}
	if err := s.tiers[t].Set(key, value); err != nil {
		s.log.Debug().Err(err).Str("tier", t.String()).Str("key", key).Msg("backup write skipped")
	}
}

// datedBackups returns dated backup keys for key on tier t, newest first.
func (s *Store) datedBackups(t Tier, key string) []string {
	if !s.available[t] {
		return nil
	}
	prefix := key + backupSuffix + "_"
	keys, err := s.tiers[t].Keys(prefix)
	if err != nil {
		s.log.Debug().Err(err).Str("tier", t.String()).Msg("list dated backups")
		return nil
	}
	var dated []string
	for _, k := range keys {
		suffix := strings.TrimPrefix(k, prefix)
		if _, err := time.Parse(datedLayout, suffix); err == nil && len(suffix) == len(datedLayout) {
			dated = append(dated, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dated)))
	return dated
}

func (s *Store) pruneDated(key string) {
	keep := s.opts.DatedBackupsKeep
	if keep <= 0 {
		return
	}
	dated := s.datedBackups(TierPrimary, key)
	for _, k := range dated[min(keep, len(dated)):] {
		if err := s.tiers[TierPrimary].Remove(k); err != nil {
			s.log.Debug().Err(err).Str("key", k).Msg("old dated backup not removed")
		}
	}
}

// =============================================================================
// GET / REMOVE
// =============================================================================

type location struct {
	tier Tier
	key  string
}

func (l location) String() string { return l.tier.String() + ":" + l.key }

// variantLocations lists backup copies of key in read priority order.
func (s *Store) variantLocations(key string, mobileOnly bool) []location {
	locs := []location{{TierSession, MirrorKey(key)}}
	if !s.highValue[key] {
		return locs
	}
	locs = append(locs, location{TierPrimary, BackupKey(key)})
	if !mobileOnly || s.opts.Device.IsMobile() {
		locs = append(locs,
			location{TierPrimary, MobileBackupKey(key)},
			location{TierSession, MobileBackupKey(key)},
		)
	}
	if dated := s.datedBackups(TierPrimary, key); len(dated) > 0 {
		locs = append(locs, location{TierPrimary, dated[0]})
	}
	return locs
}

func (s *Store) read(l location) (string, bool) {
	if !s.available[l.tier] {
		return "", false
	}
	v, ok, err := s.tiers[l.tier].Get(l.key)
	if err != nil {
		s.log.Warn().Err(err).Str("location", l.String()).Msg("read failed")
		return "", false
	}
	return v, ok && v != ""
}

// Get returns the value for key, or def when no tier or backup holds a
// non-empty value. A value served from a backup copy is written back to the
// canonical key.
func (s *Store) Get(key, def string) (out string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("get", key, func() { out = def })

	if t, ok := s.placed[key]; ok {
		if v, ok := s.read(location{t, key}); ok {
			return v
		}
	}
	for t := TierPrimary; t < tierCount; t++ {
		if v, ok := s.read(location{t, key}); ok {
			return v
		}
	}

	for _, l := range s.variantLocations(key, true) {
		v, ok := s.read(l)
		if !ok {
			continue
		}
		s.log.Info().Str("key", key).Str("source", l.String()).Msg("record restored from backup")
		if s.setLocked(key, v) {
			notify.Emit(s.notices, notify.KindRecoveredFromBackup,
				"Restored %q from backup copy %s.", key, l)
		}
		return v
	}
	return def
}

// Remove deletes key from every tier along with its session mirror.
// Backup variants (<key>_backup, dated and mobile copies) are kept, so a
// later Get or RecoverAll on a high-value key restores the record.
func (s *Store) Remove(key string) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard("remove", key, func() { ok = false })

	delete(s.placed, key)
	removed := false
	for t := TierPrimary; t < tierCount; t++ {
		if !s.available[t] {
			continue
		}
		if err := s.tiers[t].Remove(key); err != nil {
			s.log.Warn().Err(err).Str("tier", t.String()).Str("key", key).Msg("remove failed")
			continue
		}
		removed = true
	}
	if s.available[TierSession] {
		_ = s.tiers[TierSession].Remove(MirrorKey(key))
	}
	return removed
}

// guard converts a backend panic into a logged failure.
func (s *Store) guard(op, key string, onPanic func()) {
	if r := recover(); r != nil {
		s.log.Error().Str("op", op).Str("key", key).Interface("panic", r).Msg("storage operation panicked")
		onPanic()
	}
}
