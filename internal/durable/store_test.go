// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/agentdock/internal/detect"
	"github.com/jeranaias/agentdock/internal/notify"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testDay = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

// faultyBackend wraps a MemoryBackend and injects failures for every key
// except the availability probe.
type faultyBackend struct {
	*MemoryBackend
	setErr     error
	readBack   string // non-empty: Get returns this instead of the stored value
	panicOnGet bool
}

func newFaulty() *faultyBackend {
	return &faultyBackend{MemoryBackend: NewMemoryBackend(0)}
}

func isProbe(key string) bool { return strings.HasPrefix(key, "_test_") }

func (f *faultyBackend) Set(key, value string) error {
	if f.setErr != nil && !isProbe(key) {
		return f.setErr
	}
	return f.MemoryBackend.Set(key, value)
}

func (f *faultyBackend) Get(key string) (string, bool, error) {
	if isProbe(key) {
		return f.MemoryBackend.Get(key)
	}
	if f.panicOnGet {
		panic("backend exploded")
	}
	if f.readBack != "" {
		return f.readBack, true, nil
	}
	return f.MemoryBackend.Get(key)
}

// deadBackend fails every call, including the probe.
type deadBackend struct{}

func (deadBackend) Get(string) (string, bool, error) { return "", false, ErrUnavailable }
func (deadBackend) Set(string, string) error         { return ErrUnavailable }
func (deadBackend) Remove(string) error              { return ErrUnavailable }
func (deadBackend) Keys(string) ([]string, error)    { return nil, ErrUnavailable }
func (deadBackend) Close() error                     { return nil }

func testOptions(rec *notify.Recorder) Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return testDay }
	if rec != nil {
		opts.Notices = rec
	}
	return opts
}

func raw(t *testing.T, b Backend, key string) (string, bool) {
	t.Helper()
	v, ok, err := b.Get(key)
	require.NoError(t, err)
	return v, ok
}

// =============================================================================
// PROBE TESTS
// =============================================================================

func TestNew_ProbesTiers(t *testing.T) {
	rec := notify.NewRecorder()
	s := New(NewMemoryBackend(0), deadBackend{}, nil, testOptions(rec))

	st := s.Status()
	assert.True(t, st.Available[TierPrimary])
	assert.False(t, st.Available[TierSession])
	assert.True(t, st.Available[TierMemory])
	assert.False(t, st.MemoryOnly)
	assert.False(t, rec.Has(notify.KindMemoryOnly))
}

func TestNew_MemoryOnlyNoticeOnce(t *testing.T) {
	rec := notify.NewRecorder()
	s := New(deadBackend{}, nil, nil, testOptions(rec))

	require.True(t, s.MemoryOnly())
	require.True(t, s.Set("k", "v1"))
	require.True(t, s.Set("k", "v2"))

	assert.Equal(t, 1, rec.Count(notify.KindMemoryOnly))
	assert.Equal(t, 0, rec.Count(notify.KindStorageDegraded))
	assert.Equal(t, "v2", s.Get("k", ""))
}

func TestNew_ProbeLeavesNoSentinel(t *testing.T) {
	primary := NewMemoryBackend(0)
	New(primary, nil, nil, testOptions(nil))

	keys, err := primary.Keys("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// =============================================================================
// SET / GET TESTS
// =============================================================================

func TestSetGet_AllAvailabilityConfigurations(t *testing.T) {
	configs := []struct {
		name             string
		primary, session func() Backend
		wantTier         Tier
	}{
		{"all", func() Backend { return NewMemoryBackend(0) }, func() Backend { return NewMemoryBackend(0) }, TierPrimary},
		{"primary only", func() Backend { return NewMemoryBackend(0) }, func() Backend { return nil }, TierPrimary},
		{"session only", func() Backend { return nil }, func() Backend { return NewMemoryBackend(0) }, TierSession},
		{"memory only", func() Backend { return deadBackend{} }, func() Backend { return deadBackend{} }, TierMemory},
	}

	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			s := New(cfg.primary(), cfg.session(), nil, testOptions(nil))

			for _, v := range []string{"first", `{"json":true}`, strings.Repeat("x", 4096)} {
				require.True(t, s.Set("record", v))
				assert.Equal(t, v, s.Get("record", "default"))
			}
			assert.Equal(t, cfg.wantTier, s.Status().Placements["record"])
		})
	}
}

func TestGet_DefaultWhenMissing(t *testing.T) {
	s := New(NewMemoryBackend(0), NewMemoryBackend(0), nil, testOptions(nil))
	assert.Equal(t, "fallback", s.Get("missing", "fallback"))
}

func TestSet_BothPersistentTiersFailAtRuntime(t *testing.T) {
	rec := notify.NewRecorder()
	primary, session := newFaulty(), newFaulty()
	s := New(primary, session, nil, testOptions(rec))
	require.False(t, s.MemoryOnly())

	primary.setErr = ErrUnavailable
	session.setErr = errors.New("disk on fire")

	require.True(t, s.Set("agents", "[1]"))
	assert.Equal(t, "[1]", s.Get("agents", ""))
	assert.Equal(t, TierMemory, s.Status().Placements["agents"])
	assert.True(t, rec.Has(notify.KindStorageDegraded))
}

func TestSet_VerificationMismatchFallsThrough(t *testing.T) {
	primary := newFaulty()
	session := NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	primary.readBack = "corrupted"

	require.True(t, s.Set("k", "good"))
	v, ok := raw(t, session, "k")
	require.True(t, ok)
	assert.Equal(t, "good", v)
	assert.Equal(t, TierSession, s.Status().Placements["k"])
}

func TestSet_FallbackRemovesStaleCanonical(t *testing.T) {
	primary := newFaulty()
	session := NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	require.True(t, s.Set("k", "old"))
	primary.setErr = ErrQuotaExceeded

	require.True(t, s.Set("k", "new"))
	_, ok := raw(t, primary.MemoryBackend, "k")
	assert.False(t, ok, "stale primary copy should be removed")
	assert.Equal(t, "new", s.Get("k", ""))
}

func TestSet_PrimaryWriteMirrorsToSession(t *testing.T) {
	primary, session := NewMemoryBackend(0), NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	require.True(t, s.Set(KeySettings, `{"a":1}`))

	v, ok := raw(t, session, MirrorKey(KeySettings))
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, v)
	_, ok = raw(t, primary, BackupKey(KeySettings))
	assert.False(t, ok, "non high-value keys get no primary backup")
}

func TestSet_HighValueBackups(t *testing.T) {
	tests := []struct {
		name       string
		device     detect.Class
		wantMobile bool
	}{
		{"desktop", detect.Desktop, false},
		{"mobile", detect.Mobile, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			primary, session := NewMemoryBackend(0), NewMemoryBackend(0)
			opts := testOptions(nil)
			opts.Device = tc.device
			s := New(primary, session, nil, opts)

			require.True(t, s.Set(KeyAgents, `[{"id":"a"}]`))

			for _, k := range []string{BackupKey(KeyAgents), "agents_backup_20261014"} {
				v, ok := raw(t, primary, k)
				require.True(t, ok, k)
				assert.Equal(t, `[{"id":"a"}]`, v)
			}
			_, ok := raw(t, primary, MobileBackupKey(KeyAgents))
			assert.Equal(t, tc.wantMobile, ok)
			_, ok = raw(t, session, MobileBackupKey(KeyAgents))
			assert.Equal(t, tc.wantMobile, ok)
		})
	}
}

func TestSet_DatedBackupsPruned(t *testing.T) {
	primary := NewMemoryBackend(0)
	opts := testOptions(nil)
	opts.DatedBackupsKeep = 2
	day := testDay
	opts.Now = func() time.Time { return day }
	s := New(primary, nil, nil, opts)

	for i := 0; i < 4; i++ {
		day = testDay.AddDate(0, 0, i)
		require.True(t, s.Set(KeyAgents, "[]"))
	}

	keys, err := primary.Keys("agents_backup_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"agents_backup_20261016", "agents_backup_20261017"}, keys)
}

// =============================================================================
// QUOTA TESTS
// =============================================================================

func TestSet_QuotaPrunesOnceAndRetries(t *testing.T) {
	rec := notify.NewRecorder()
	primary := NewMemoryBackend(100)
	session := NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(rec))

	var calls int32
	s.RegisterPruner(KeyHistories, func() (string, bool) {
		atomic.AddInt32(&calls, 1)
		return "short", true
	})

	require.True(t, s.Set(KeyHistories, strings.Repeat("h", 200)))

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	v, ok := raw(t, primary, KeyHistories)
	require.True(t, ok)
	assert.Equal(t, "short", v)
	assert.True(t, rec.Has(notify.KindHistoryPruned))
}

func TestSet_QuotaPruneStillTooLargeFallsBack(t *testing.T) {
	primary := NewMemoryBackend(50)
	session := NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	var calls int32
	s.RegisterPruner(KeyHistories, func() (string, bool) {
		atomic.AddInt32(&calls, 1)
		return strings.Repeat("p", 80), true
	})

	require.True(t, s.Set(KeyHistories, strings.Repeat("h", 200)))

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "prune and retry happen exactly once")
	v, ok := raw(t, session, KeyHistories)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("p", 80), v, "fallback tiers get the pruned value")
}

func TestSet_QuotaWithoutPrunerSkipsRetry(t *testing.T) {
	primary := NewMemoryBackend(40)
	s := New(primary, nil, nil, testOptions(nil))

	require.True(t, s.Set(KeySettings, strings.Repeat("s", 100)))
	assert.Equal(t, TierMemory, s.Status().Placements[KeySettings])
}

// =============================================================================
// SELF-HEALING READ TESTS
// =============================================================================

func TestGet_HealsFromSessionMirror(t *testing.T) {
	rec := notify.NewRecorder()
	primary, session := NewMemoryBackend(0), NewMemoryBackend(0)

	require.NoError(t, session.Set(MirrorKey(KeySettings), `{"x":1}`))
	s := New(primary, session, nil, testOptions(rec))

	assert.Equal(t, `{"x":1}`, s.Get(KeySettings, ""))

	v, ok := raw(t, primary, KeySettings)
	require.True(t, ok, "canonical record should be rewritten")
	assert.Equal(t, `{"x":1}`, v)
	assert.True(t, rec.Has(notify.KindRecoveredFromBackup))
}

func TestGet_HealsHighValueFromDatedBackup(t *testing.T) {
	primary := NewMemoryBackend(0)
	require.NoError(t, primary.Set("agents_backup_20261001", "older"))
	require.NoError(t, primary.Set("agents_backup_20261010", "newer"))

	s := New(primary, nil, nil, testOptions(nil))

	assert.Equal(t, "newer", s.Get(KeyAgents, "[]"))
	v, _ := raw(t, primary, KeyAgents)
	assert.Equal(t, "newer", v)
}

func TestGet_MobileVariantOnlyOnMobile(t *testing.T) {
	for _, device := range []detect.Class{detect.Desktop, detect.Mobile} {
		primary := NewMemoryBackend(0)
		require.NoError(t, primary.Set(MobileBackupKey(KeyAgents), "mobile-copy"))

		opts := testOptions(nil)
		opts.Device = device
		s := New(primary, nil, nil, opts)

		want := "[]"
		if device.IsMobile() {
			want = "mobile-copy"
		}
		assert.Equal(t, want, s.Get(KeyAgents, "[]"), device.String())
	}
}

func TestGet_BackendPanicReturnsDefault(t *testing.T) {
	primary := newFaulty()
	s := New(primary, nil, nil, testOptions(nil))
	primary.panicOnGet = true

	assert.NotPanics(t, func() {
		assert.Equal(t, "def", s.Get("k", "def"))
	})
}

// =============================================================================
// REMOVE TESTS
// =============================================================================

func TestRemove_AllTiersAndMirror(t *testing.T) {
	primary, session := NewMemoryBackend(0), NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	require.True(t, s.Set("k", "v"))
	require.True(t, s.Remove("k"))

	_, ok := raw(t, primary, "k")
	assert.False(t, ok)
	_, ok = raw(t, session, MirrorKey("k"))
	assert.False(t, ok)
	assert.Equal(t, "gone", s.Get("k", "gone"))
}

func TestRemove_HighValueKeepsBackups(t *testing.T) {
	primary, session := NewMemoryBackend(0), NewMemoryBackend(0)
	s := New(primary, session, nil, testOptions(nil))

	require.True(t, s.Set(KeyAgents, `[{"id":"a"}]`))
	require.True(t, s.Remove(KeyAgents))

	_, ok := raw(t, session, MirrorKey(KeyAgents))
	assert.False(t, ok)
	for _, k := range []string{BackupKey(KeyAgents), "agents_backup_20261014"} {
		_, ok := raw(t, primary, k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, `[{"id":"a"}]`, s.Get(KeyAgents, "gone"))
}

func TestClose_MakesTiersUnavailable(t *testing.T) {
	s := New(NewMemoryBackend(0), NewMemoryBackend(0), nil, testOptions(nil))
	require.NoError(t, s.Close())

	assert.False(t, s.Set("k", "v"))
	assert.Equal(t, "d", s.Get("k", "d"))
}
