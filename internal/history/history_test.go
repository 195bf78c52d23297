// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/notify"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// tightBackend rejects history records larger than max once max is set.
type tightBackend struct {
	*durable.MemoryBackend
	mu  sync.Mutex
	max int
}

func (b *tightBackend) setMax(n int) {
	b.mu.Lock()
	b.max = n
	b.mu.Unlock()
}

func (b *tightBackend) Set(key, value string) error {
	b.mu.Lock()
	max := b.max
	b.mu.Unlock()
	if max > 0 && key == durable.KeyHistories && len(value) > max {
		return durable.ErrQuotaExceeded
	}
	return b.MemoryBackend.Set(key, value)
}

func newKV(t *testing.T) (*durable.Store, *durable.MemoryBackend) {
	t.Helper()
	primary := durable.NewMemoryBackend(0)
	return durable.New(primary, nil, nil, durable.DefaultOptions()), primary
}

func turns(n int) []Turn {
	out := make([]Turn, n)
	for i := range out {
		out[i] = User(fmt.Sprintf("m%03d", i))
	}
	return out
}

func persisted(t *testing.T, b durable.Backend) map[string][]Turn {
	t.Helper()
	raw, ok, err := b.Get(durable.KeyHistories)
	require.NoError(t, err)
	require.True(t, ok)
	m := map[string][]Turn{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

// =============================================================================
// APPEND TESTS
// =============================================================================

func TestAppend_PersistsInOrder(t *testing.T) {
	kv, primary := newKV(t)
	s := New(kv)

	require.NoError(t, s.Append("a1", User("hi")))
	require.NoError(t, s.Append("a1", Assistant("hello")))

	want := []Turn{User("hi"), Assistant("hello")}
	if diff := cmp.Diff(want, s.History("a1")); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, persisted(t, primary)["a1"]); diff != "" {
		t.Errorf("persisted mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_OverflowKeepsNewest(t *testing.T) {
	kv, primary := newKV(t)
	s := New(kv)

	all := turns(51)
	for _, turn := range all {
		require.NoError(t, s.Append("a1", turn))
	}

	got := s.History("a1")
	require.Len(t, got, DefaultLimit)
	assert.Equal(t, all[1], got[0], "first entry is the second append")
	if diff := cmp.Diff(all[1:], persisted(t, primary)["a1"]); diff != "" {
		t.Errorf("persisted mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_ManyOverLimit(t *testing.T) {
	kv, _ := newKV(t)
	s := New(kv, WithLimit(7))

	all := turns(30)
	for _, turn := range all {
		require.NoError(t, s.Append("a", turn))
	}
	if diff := cmp.Diff(all[len(all)-7:], s.History("a")); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend_StorageUnavailable(t *testing.T) {
	kv := durable.New(nil, nil, nil, durable.DefaultOptions())
	require.NoError(t, kv.Close())
	s := New(kv)

	err := s.Append("a", User("x"))
	assert.ErrorIs(t, err, durable.ErrStorageUnavailable)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	kv, _ := newKV(t)
	s := New(kv)
	require.NoError(t, s.Append("a", User("x")))

	h := s.History("a")
	h[0].Content = "mutated"
	assert.Equal(t, "x", s.History("a")[0].Content)
}

// =============================================================================
// PRUNE TESTS
// =============================================================================

func seed(t *testing.T, b durable.Backend, m map[string][]Turn) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, b.Set(durable.KeyHistories, string(raw)))
}

func TestPrune_Idempotent(t *testing.T) {
	primary := durable.NewMemoryBackend(0)
	seed(t, primary, map[string][]Turn{"a": turns(80), "b": turns(3)})
	kv := durable.New(primary, nil, nil, durable.DefaultOptions())
	s := New(kv)
	require.NoError(t, s.Load())

	dropped, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 30, dropped)
	first := persisted(t, primary)

	dropped, err = s.Prune()
	require.NoError(t, err)
	assert.Zero(t, dropped)
	if diff := cmp.Diff(first, persisted(t, primary)); diff != "" {
		t.Errorf("second prune changed state (-first +second):\n%s", diff)
	}
	assert.Equal(t, turns(80)[30:], s.History("a"))
	assert.Len(t, s.History("b"), 3)
}

func TestQuota_PrunesAllBucketsAndRetries(t *testing.T) {
	rec := notify.NewRecorder()
	primary := &tightBackend{MemoryBackend: durable.NewMemoryBackend(0)}
	seed(t, primary, map[string][]Turn{"big": turns(120)})

	opts := durable.DefaultOptions()
	opts.Notices = rec
	kv := durable.New(primary, nil, nil, opts)
	s := New(kv)
	require.NoError(t, s.Load())
	require.Len(t, s.History("big"), 120)

	primary.setMax(3000)
	require.NoError(t, s.Append("small", User("hello")))

	stored := persisted(t, primary)
	assert.Len(t, stored["big"], DefaultLimit)
	assert.Equal(t, []Turn{User("hello")}, stored["small"])
	assert.Len(t, s.History("big"), DefaultLimit)
	assert.True(t, rec.Has(notify.KindHistoryPruned))
	assert.Equal(t, durable.TierPrimary, kv.Status().Placements[durable.KeyHistories])
}

func TestSetLimit(t *testing.T) {
	kv, _ := newKV(t)
	s := New(kv)
	for _, turn := range turns(10) {
		require.NoError(t, s.Append("a", turn))
	}

	require.NoError(t, s.SetLimit(4))
	assert.Equal(t, 4, s.Limit())
	assert.Equal(t, turns(10)[6:], s.History("a"))
	assert.Error(t, s.SetLimit(0))
}

// =============================================================================
// LOAD / CLEAR TESTS
// =============================================================================

func TestLoad_RecoversFromMirror(t *testing.T) {
	primary, session := durable.NewMemoryBackend(0), durable.NewMemoryBackend(0)
	require.NoError(t, primary.Set(durable.KeyHistories, "{broken"))
	good, _ := json.Marshal(map[string][]Turn{"a": {User("saved")}})
	require.NoError(t, session.Set(durable.MirrorKey(durable.KeyHistories), string(good)))

	kv := durable.New(primary, session, nil, durable.DefaultOptions())
	s := New(kv)
	require.NoError(t, s.Load())
	assert.Equal(t, []Turn{User("saved")}, s.History("a"))
}

func TestLoad_UnrecoverableStartsEmpty(t *testing.T) {
	rec := notify.NewRecorder()
	primary := durable.NewMemoryBackend(0)
	require.NoError(t, primary.Set(durable.KeyHistories, "[[["))

	kv := durable.New(primary, nil, nil, durable.DefaultOptions())
	s := New(kv, WithNotices(rec))
	err := s.Load()
	assert.ErrorIs(t, err, durable.ErrParse)
	assert.Empty(t, s.Agents())
	assert.True(t, rec.Has(notify.KindStorageDegraded))

	require.NoError(t, s.Append("a", User("fresh start")))
}

func TestClearAndDelete(t *testing.T) {
	kv, primary := newKV(t)
	s := New(kv)
	require.NoError(t, s.Append("a", User("1")))
	require.NoError(t, s.Append("b", User("2")))

	require.NoError(t, s.Clear("a"))
	assert.Zero(t, s.Len("a"))
	assert.Equal(t, []string{"a", "b"}, s.Agents())

	require.NoError(t, s.Delete("b"))
	assert.Equal(t, []string{"a"}, s.Agents())
	_, ok := persisted(t, primary)["b"]
	assert.False(t, ok)
}

func TestEnsure(t *testing.T) {
	kv, _ := newKV(t)
	s := New(kv)

	assert.Equal(t, 0, s.Ensure("a"))
	require.NoError(t, s.Append("a", User("x")))
	assert.Equal(t, 1, s.Ensure("a"))
}

func TestAppend_ConcurrentWritersKeepEveryTurn(t *testing.T) {
	kv, _ := newKV(t)
	s := New(kv, WithLimit(1000))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = s.Append("a", User(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 100, s.Len("a"))
}
