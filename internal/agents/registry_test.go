// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/agentdock/internal/detect"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/history"
	"github.com/jeranaias/agentdock/internal/notify"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type stubCatalog struct {
	profiles []Profile
	err      error
	panicMsg string
	calls    int
}

func (c *stubCatalog) Fetch(ctx context.Context) ([]Profile, error) {
	c.calls++
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	return append([]Profile{}, c.profiles...), c.err
}

type fixture struct {
	primary *durable.MemoryBackend
	session *durable.MemoryBackend
	store   *durable.Store
	hist    *history.Store
	rec     *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		primary: durable.NewMemoryBackend(0),
		session: durable.NewMemoryBackend(0),
		rec:     notify.NewRecorder(),
	}
	f.reopen()
	return f
}

// reopen builds a fresh store over the same backends, as a restart would.
func (f *fixture) reopen() {
	opts := durable.DefaultOptions()
	opts.Notices = f.rec
	f.store = durable.New(f.primary, f.session, nil, opts)
	f.hist = history.New(f.store)
	_ = f.hist.Load()
}

func (f *fixture) registry(opts ...Option) *Registry {
	base := []Option{WithHistories(f.hist), WithNotices(f.rec)}
	return NewRegistry(f.store, append(base, opts...)...)
}

func (f *fixture) persistedProfiles(t *testing.T) []Profile {
	t.Helper()
	raw, ok, err := f.primary.Get(durable.KeyAgents)
	require.NoError(t, err)
	require.True(t, ok)
	var ps []Profile
	require.NoError(t, json.Unmarshal([]byte(raw), &ps))
	return ps
}

func ids(ps []Profile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func seedAgents(t *testing.T, b durable.Backend, key string, ps []Profile) {
	t.Helper()
	raw, err := json.Marshal(ps)
	require.NoError(t, err)
	require.NoError(t, b.Set(key, string(raw)))
}

// =============================================================================
// INITIALIZE TESTS
// =============================================================================

func TestInitialize_CatalogOnly(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(WithCatalog(&stubCatalog{profiles: []Profile{builtin("a1")}}))

	require.NoError(t, reg.Initialize(context.Background()))

	got := reg.List()
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.True(t, got[0].IsBuiltIn)
	assert.Equal(t, SourceJSON, got[0].Source)
	assert.Equal(t, []string{"a1"}, ids(f.persistedProfiles(t)))
}

func TestInitialize_LocalShadowsCatalog(t *testing.T) {
	f := newFixture(t)
	seedAgents(t, f.primary, durable.KeyAgents, []Profile{local("a1")})
	reg := f.registry(WithCatalog(&stubCatalog{profiles: []Profile{builtin("a1")}}))

	require.NoError(t, reg.Initialize(context.Background()))

	got := reg.List()
	require.Len(t, got, 1)
	assert.Equal(t, SourceLocal, got[0].Source)
	assert.False(t, got[0].IsBuiltIn)
}

func TestInitialize_NormalizesStoredProfiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.primary.Set(durable.KeyAgents, `[{"id":"x","name":"old record"},{"name":"no id"}]`))
	reg := f.registry()

	require.NoError(t, reg.Initialize(context.Background()))

	got := reg.List()
	require.Len(t, got, 1)
	assert.Equal(t, SourceLocal, got[0].Source)
	assert.False(t, got[0].IsBuiltIn)
}

func TestInitialize_EmptyCreatesDefault(t *testing.T) {
	f := newFixture(t)
	reg := f.registry(WithCatalog(&stubCatalog{err: ErrCatalogUnavailable}))

	require.NoError(t, reg.Initialize(context.Background()))

	got := reg.List()
	require.Len(t, got, 1)
	assert.Equal(t, SourceDefault, got[0].Source)
	assert.Equal(t, PlaceholderAPIKey, got[0].APIKey)
	assert.True(t, f.rec.Has(notify.KindDefaultCreated))
	assert.Len(t, f.persistedProfiles(t), 1)
}

func TestInitialize_RecoversCorruptRecordFromBackup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.primary.Set(durable.KeyAgents, "{truncated"))
	seedAgents(t, f.primary, durable.BackupKey(durable.KeyAgents), []Profile{local("saved")})
	reg := f.registry()

	require.NoError(t, reg.Initialize(context.Background()))

	assert.Equal(t, []string{"saved"}, ids(reg.List()))
	assert.Equal(t, []string{"saved"}, ids(f.persistedProfiles(t)), "canonical record healed")
	assert.True(t, f.rec.Has(notify.KindRecoveredFromBackup))
}

func TestInitialize_CatalogPanicUsesBackups(t *testing.T) {
	f := newFixture(t)
	seedAgents(t, f.session, durable.MirrorKey(durable.KeyAgents), []Profile{local("mirror")})
	reg := f.registry(WithCatalog(&stubCatalog{panicMsg: "catalog exploded"}))

	err := reg.Initialize(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"mirror"}, ids(reg.List()))
	assert.False(t, f.rec.Has(notify.KindRecoveryMode))
}

func TestInitialize_CancelledWithoutBackupsEntersRecoveryMode(t *testing.T) {
	f := newFixture(t)
	reg := f.registry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := reg.Initialize(ctx)
	require.ErrorIs(t, err, context.Canceled)

	got := reg.List()
	require.Len(t, got, 1)
	assert.Equal(t, SourceRecovery, got[0].Source)
	assert.Equal(t, PlaceholderAPIKey, got[0].APIKey)
	assert.NotEmpty(t, got[0].WelcomeMessage)
	assert.True(t, f.rec.Has(notify.KindRecoveryMode))
}

func TestInitialize_SurvivesRestart(t *testing.T) {
	f := newFixture(t)
	reg := f.registry()
	require.NoError(t, reg.Initialize(context.Background()))
	added, err := reg.Add(Profile{Name: "Mine", APIKey: "sk-1", Model: "m"})
	require.NoError(t, err)

	f.reopen()
	again := f.registry()
	require.NoError(t, again.Initialize(context.Background()))

	got, ok := again.Get(added.ID)
	require.True(t, ok)
	assert.Equal(t, "Mine", got.Name)
}

// =============================================================================
// MUTATION TESTS
// =============================================================================

func initialized(t *testing.T, f *fixture, catalog ...Profile) *Registry {
	t.Helper()
	reg := f.registry(WithCatalog(&stubCatalog{profiles: catalog}))
	require.NoError(t, reg.Initialize(context.Background()))
	return reg
}

func TestAdd_AssignsLocalIdentity(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f, builtin("b1"))

	p, err := reg.Add(Profile{ID: "b1", Name: "collides", IsBuiltIn: true, Source: SourceJSON})
	require.NoError(t, err)

	assert.NotEqual(t, "b1", p.ID)
	assert.False(t, p.IsBuiltIn)
	assert.Equal(t, SourceLocal, p.Source)
	assert.Len(t, f.persistedProfiles(t), 2)
}

func TestUpdate_BuiltInForks(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f, builtin("b1"))
	before := reg.List()

	forked, err := reg.Update("b1", Profile{Name: "My writer", Model: "other"})
	require.NoError(t, err)

	assert.NotEqual(t, "b1", forked.ID)
	assert.Equal(t, SourceLocal, forked.Source)
	assert.False(t, forked.IsBuiltIn)

	orig, ok := reg.Get("b1")
	require.True(t, ok)
	if diff := cmp.Diff(before[0], orig); diff != "" {
		t.Errorf("built-in mutated (-before +after):\n%s", diff)
	}
	assert.Len(t, reg.List(), 2)
}

func TestUpdate_UserOwnedInPlaceKeepsSource(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	def := reg.List()[0]
	require.Equal(t, SourceDefault, def.Source)

	updated, err := reg.Update(def.ID, Profile{Name: "Renamed", APIKey: "sk-2", Source: SourceLocal})
	require.NoError(t, err)

	assert.Equal(t, def.ID, updated.ID)
	assert.Equal(t, SourceDefault, updated.Source)
	assert.Len(t, reg.List(), 1)
	assert.Equal(t, "Renamed", f.persistedProfiles(t)[0].Name)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	_, err := reg.Update("ghost", Profile{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_BuiltInForbidden(t *testing.T) {
	f := newFixture(t)
	seedAgents(t, f.primary, durable.KeyAgents, []Profile{
		local("l1"),
		{ID: "j1", Name: "catalog copy", Source: SourceJSON},
	})
	reg := initialized(t, f, builtin("b1"))
	before := reg.List()

	for _, id := range []string{"b1", "j1"} {
		_, err := reg.Delete(id)
		assert.ErrorIs(t, err, ErrForbidden, id)
	}
	if diff := cmp.Diff(before, reg.List()); diff != "" {
		t.Errorf("collection changed (-before +after):\n%s", diff)
	}
}

func TestDelete_ClearsActiveSelectionAndHistory(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f, builtin("b1"))
	p, err := reg.Add(Profile{Name: "temp"})
	require.NoError(t, err)
	_, err = reg.Select(p.ID)
	require.NoError(t, err)
	require.NoError(t, f.hist.Append(p.ID, history.User("hi")))

	wasActive, err := reg.Delete(p.ID)
	require.NoError(t, err)
	assert.True(t, wasActive)

	_, ok := reg.Active()
	assert.False(t, ok)
	assert.NotContains(t, f.hist.Agents(), p.ID)
	assert.Equal(t, []string{"b1"}, ids(f.persistedProfiles(t)))
}

func TestDelete_LastProfileLeavesDefault(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	only := reg.List()[0]

	_, err := reg.Delete(only.ID)
	require.NoError(t, err)

	got := reg.List()
	require.Len(t, got, 1)
	assert.NotEqual(t, only.ID, got[0].ID)
	assert.Equal(t, ids(got), ids(f.persistedProfiles(t)))
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	_, err := reg.Delete("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelect_WelcomeOnlyWithEmptyHistory(t *testing.T) {
	f := newFixture(t)
	withWelcome := builtin("w1")
	withWelcome.WelcomeMessage = "Hello there"
	reg := initialized(t, f, withWelcome, builtin("plain"))

	sel, err := reg.Select("w1")
	require.NoError(t, err)
	assert.True(t, sel.ShowWelcome)
	assert.Zero(t, sel.HistoryLen)
	assert.Contains(t, f.hist.Agents(), "w1", "selecting creates a bucket")

	require.NoError(t, f.hist.Append("w1", history.User("hi")))
	sel, err = reg.Select("w1")
	require.NoError(t, err)
	assert.False(t, sel.ShowWelcome)
	assert.Equal(t, 1, sel.HistoryLen)

	sel, err = reg.Select("plain")
	require.NoError(t, err)
	assert.False(t, sel.ShowWelcome)

	active, ok := reg.Active()
	require.True(t, ok)
	assert.Equal(t, "plain", active.ID)

	_, err = reg.Select("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// REFRESH / PERSISTENCE TESTS
// =============================================================================

func TestRefresh_ReplacesBuiltInsKeepsLocal(t *testing.T) {
	f := newFixture(t)
	cat := &stubCatalog{profiles: []Profile{builtin("old")}}
	reg := f.registry(WithCatalog(cat))
	require.NoError(t, reg.Initialize(context.Background()))
	mine, err := reg.Add(Profile{Name: "mine"})
	require.NoError(t, err)

	cat.profiles = []Profile{builtin("new")}
	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, []string{mine.ID, "new"}, ids(reg.List()))

	cat.profiles, cat.err = nil, ErrCatalogUnavailable
	assert.Error(t, reg.Refresh(context.Background()))
	assert.Equal(t, []string{mine.ID, "new"}, ids(reg.List()), "failed refresh keeps built-ins")
}

func TestSave_RefusesEmpty(t *testing.T) {
	f := newFixture(t)
	reg := f.registry()
	assert.ErrorIs(t, reg.Save(), ErrEmptyCollection)
	_, ok, _ := f.primary.Get(durable.KeyAgents)
	assert.False(t, ok)
}

func TestSave_StorageUnavailable(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	require.NoError(t, f.store.Close())
	assert.ErrorIs(t, reg.Save(), durable.ErrStorageUnavailable)
}

func TestAutoSaveInterval(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, DefaultDesktopAutoSave, f.registry().AutoSaveInterval())
	assert.Equal(t, DefaultMobileAutoSave, f.registry(WithDevice(detect.Mobile)).AutoSaveInterval())
	assert.Equal(t, 3*time.Second,
		f.registry(WithDevice(detect.Mobile), WithAutoSaveIntervals(0, 3*time.Second)).AutoSaveInterval())
}

func TestAutoSave_PersistsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	reg := f.registry(WithAutoSaveIntervals(10*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, reg.Initialize(context.Background()))

	// Wipe the canonical record; the ticker should rewrite it.
	require.NoError(t, f.primary.Remove(durable.KeyAgents))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartAutoSave(ctx)

	assert.Eventually(t, func() bool {
		_, ok, _ := f.primary.Get(durable.KeyAgents)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	reg.StartAutoSave(ctx) // restart replaces the running ticker
	require.NoError(t, reg.Close())
}

func TestErrors_Wrapping(t *testing.T) {
	f := newFixture(t)
	reg := initialized(t, f)
	_, err := reg.Delete("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "nope")
}
