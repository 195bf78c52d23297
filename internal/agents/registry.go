// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/detect"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/notify"
)

// Default auto-save intervals.
const (
	DefaultDesktopAutoSave = 5 * time.Minute
	DefaultMobileAutoSave  = time.Minute
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrNotFound means no profile has the requested id.
	ErrNotFound = errors.New("agent not found")

	// ErrForbidden means the profile is catalog-owned.
	ErrForbidden = errors.New("built-in agents cannot be modified or deleted")

	// ErrEmptyCollection means a save was refused because it would
	// persist zero profiles.
	ErrEmptyCollection = errors.New("refusing to save an empty agent list")
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// KV is the subset of durable.Store used by the registry.
type KV interface {
	Get(key, def string) string
	Set(key, value string) bool
	RecoverAll(key string, accept func(string) bool) (durable.Recovery, bool)
}

// Catalog supplies built-in profiles. The returned slice is always usable.
type Catalog interface {
	Fetch(ctx context.Context) ([]Profile, error)
}

// Histories is the part of the conversation store the registry drives.
type Histories interface {
	Ensure(agentID string) int
	Delete(agentID string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithCatalog sets the catalog source.
func WithCatalog(c Catalog) Option { return func(r *Registry) { r.catalog = c } }

// WithHistories connects the conversation store.
func WithHistories(h Histories) Option { return func(r *Registry) { r.histories = h } }

// WithDevice sets the device class used to pick the auto-save interval.
func WithDevice(c detect.Class) Option { return func(r *Registry) { r.device = c } }

// WithAutoSaveIntervals overrides the desktop and mobile auto-save intervals.
func WithAutoSaveIntervals(desktop, mobile time.Duration) Option {
	return func(r *Registry) {
		if desktop > 0 {
			r.desktopEvery = desktop
		}
		if mobile > 0 {
			r.mobileEvery = mobile
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "agents").Logger() }
}

// WithNotices sets the notice sink.
func WithNotices(n notify.Sink) Option { return func(r *Registry) { r.notices = n } }

// =============================================================================
// REGISTRY
// =============================================================================

// Selection is the result of selecting an agent.
type Selection struct {
	Profile     Profile
	HistoryLen  int
	ShowWelcome bool
}

// Registry owns the authoritative list of profiles.
type Registry struct {
	mu       sync.Mutex
	profiles []Profile
	activeID string

	kv        KV
	catalog   Catalog
	histories Histories

	device       detect.Class
	desktopEvery time.Duration
	mobileEvery  time.Duration

	log     zerolog.Logger
	notices notify.Sink

	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup
}

// NewRegistry creates an empty registry backed by kv. Call Initialize before use.
func NewRegistry(kv KV, opts ...Option) *Registry {
	r := &Registry{
		kv:           kv,
		desktopEvery: DefaultDesktopAutoSave,
		mobileEvery:  DefaultMobileAutoSave,
		log:          zerolog.Nop(),
		notices:      notify.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize loads local profiles, merges the catalog, guarantees at least
// one profile and persists the result. The registry is always usable
// afterwards; a non-nil error means initialization was interrupted (panic or
// cancelled context) and the collection came from backups or a recovery
// profile.
func (r *Registry) Initialize(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("agent initialization panicked")
			err = fmt.Errorf("initialize agents: panic: %v", p)
			r.fallback()
		}
	}()

	local := r.loadLocal()
	if err := ctx.Err(); err != nil {
		r.fallback()
		return fmt.Errorf("initialize agents: %w", err)
	}

	var catalog []Profile
	if r.catalog != nil {
		// Fetch failures are reported by the catalog and leave this empty.
		catalog, _ = r.catalog.Fetch(ctx)
	}
	if err := ctx.Err(); err != nil {
		r.fallback()
		return fmt.Errorf("initialize agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles = Merge(local, catalog)
	if len(r.profiles) == 0 {
		p := DefaultProfile()
		r.profiles = []Profile{p}
		r.log.Info().Str("id", p.ID).Msg("created default agent")
		notify.Emit(r.notices, notify.KindDefaultCreated,
			"No agents were configured, so %q was created. Set its API key before chatting.", p.Name)
	}
	if err := r.saveLocked(); err != nil {
		r.log.Warn().Err(err).Msg("persist agents after initialize")
	}
	r.log.Debug().Int("local", len(local)).Int("catalog", len(catalog)).Int("total", len(r.profiles)).
		Msg("agents initialized")
	return nil
}

// loadLocal reads the persisted collection, falling back to a recovery scan
// when the record is malformed.
func (r *Registry) loadLocal() []Profile {
	raw := r.kv.Get(durable.KeyAgents, "[]")
	var profiles []Profile
	if err := durable.DecodeJSON(durable.KeyAgents, raw, &profiles); err != nil {
		r.log.Warn().Err(err).Msg("agent record malformed, scanning backups")
		rec, ok := r.kv.RecoverAll(durable.KeyAgents, ValidCollection)
		if !ok {
			return nil
		}
		profiles = nil
		if err := json.Unmarshal([]byte(rec.Value), &profiles); err != nil {
			return nil
		}
	}
	return normalize(profiles)
}

// fallback adopts the best recoverable collection, or a recovery profile.
func (r *Registry) fallback() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("agent fallback panicked")
			r.mu.Lock()
			r.profiles = []Profile{RecoveryProfile()}
			r.mu.Unlock()
		}
	}()

	var profiles []Profile
	if rec, ok := r.kv.RecoverAll(durable.KeyAgents, ValidCollection); ok {
		if err := json.Unmarshal([]byte(rec.Value), &profiles); err == nil {
			profiles = normalize(profiles)
			r.log.Info().Str("source", rec.Source).Int("profiles", len(profiles)).Msg("agents recovered")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(profiles) == 0 {
		p := RecoveryProfile()
		profiles = []Profile{p}
		notify.Emit(r.notices, notify.KindRecoveryMode,
			"Agent data could not be loaded or recovered. %q was created; please reconfigure your API key.", p.Name)
	}
	r.profiles = profiles
	if err := r.saveLocked(); err != nil {
		r.log.Warn().Err(err).Msg("persist recovered agents")
	}
}

// Refresh re-fetches the catalog and replaces catalog-owned profiles. Local
// profiles are untouched. An empty or failed fetch keeps the current
// built-ins.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.catalog == nil {
		return nil
	}
	catalog, err := r.catalog.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(catalog) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if p.IsBuiltIn && p.Source == SourceJSON {
			continue
		}
		kept = append(kept, p)
	}
	r.profiles = Merge(kept, catalog)
	if r.activeID != "" && r.indexLocked(r.activeID) < 0 {
		r.activeID = ""
	}
	return r.saveLocked()
}

// =============================================================================
// QUERIES
// =============================================================================

// List returns a copy of the profiles in display order.
func (r *Registry) List() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Profile(nil), r.profiles...)
}

// Get returns the profile with id.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.profiles[i], true
	}
	return Profile{}, false
}

// Active returns the selected profile.
func (r *Registry) Active() (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(r.activeID); i >= 0 {
		return r.profiles[i], true
	}
	return Profile{}, false
}

func (r *Registry) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, p := range r.profiles {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Add appends a user-authored profile and persists. A missing or colliding
// id is replaced with a fresh one.
func (r *Registry) Add(draft Profile) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := draft
	if p.ID == "" || r.indexLocked(p.ID) >= 0 {
		p.ID = NewID("custom")
	}
	p.IsBuiltIn = false
	p.Source = SourceLocal
	r.profiles = append(r.profiles, p)
	return p, r.saveLocked()
}

// Update edits the profile with id. Catalog-owned targets are forked into a
// new local profile and left unchanged; user-owned targets are replaced in
// place, keeping their source.
func (r *Registry) Update(id string, draft Profile) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p := draft
	p.IsBuiltIn = false
	if r.profiles[i].Protected() {
		p.ID = NewID("custom")
		p.Source = SourceLocal
		r.profiles = append(r.profiles, p)
		r.log.Info().Str("from", id).Str("id", p.ID).Msg("forked built-in agent")
	} else {
		p.ID = id
		p.Source = r.profiles[i].Source
		r.profiles[i] = p
	}
	return p, r.saveLocked()
}

// Delete removes a user-owned profile. wasActive reports whether it was the
// selected agent, in which case the selection is cleared. Deleting the last
// profile leaves a fresh default in its place.
func (r *Registry) Delete(id string) (wasActive bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.profiles[i].Protected() {
		return false, fmt.Errorf("%w: %s", ErrForbidden, id)
	}

	r.profiles = append(r.profiles[:i:i], r.profiles[i+1:]...)
	if r.activeID == id {
		r.activeID = ""
		wasActive = true
	}
	if len(r.profiles) == 0 {
		r.profiles = []Profile{DefaultProfile()}
		notify.Emit(r.notices, notify.KindDefaultCreated, "The last agent was deleted, so a default agent was created.")
	}
	if r.histories != nil {
		if err := r.histories.Delete(id); err != nil {
			r.log.Warn().Err(err).Str("id", id).Msg("drop history of deleted agent")
		}
	}
	return wasActive, r.saveLocked()
}

// Select makes id the active agent and ensures it has a history bucket.
func (r *Registry) Select(id string) (Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Selection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.activeID = id
	p := r.profiles[i]

	n := 0
	if r.histories != nil {
		n = r.histories.Ensure(id)
	}
	return Selection{
		Profile:     p,
		HistoryLen:  n,
		ShowWelcome: p.WelcomeMessage != "" && n == 0,
	}, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save persists the collection.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if len(r.profiles) == 0 {
		return ErrEmptyCollection
	}
	raw, err := json.Marshal(r.profiles)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	if !r.kv.Set(durable.KeyAgents, string(raw)) {
		return durable.ErrStorageUnavailable
	}
	return nil
}

// AutoSaveInterval returns the interval used by StartAutoSave.
func (r *Registry) AutoSaveInterval() time.Duration {
	if r.device.IsMobile() {
		return r.mobileEvery
	}
	return r.desktopEvery
}

// StartAutoSave re-persists the collection periodically until ctx is done or
// Close is called. Calling it again restarts the ticker.
func (r *Registry) StartAutoSave(ctx context.Context) {
	r.stopAutoSave()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.autoCancel = cancel
	r.mu.Unlock()

	every := r.AutoSaveInterval()
	r.autoWG.Add(1)
	go func() {
		defer r.autoWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Save(); err != nil {
					r.log.Warn().Err(err).Msg("auto-save failed")
				}
			}
		}
	}()
	r.log.Debug().Dur("interval", every).Msg("auto-save started")
}

func (r *Registry) stopAutoSave() {
	r.mu.Lock()
	cancel := r.autoCancel
	r.autoCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.autoWG.Wait()
}

// Close stops auto-save and writes a final save.
func (r *Registry) Close() error {
	r.stopAutoSave()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.profiles) == 0 {
		return nil
	}
	return r.saveLocked()
}
