// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history keeps bounded per-agent conversation transcripts and
// persists them through the durable store.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/notify"
)

// DefaultLimit is the number of turns kept per agent.
const DefaultLimit = 50

// Role is the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// User builds a user turn.
func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// Assistant builds an assistant turn.
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// System builds a system turn.
func System(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

// KV is the subset of durable.Store used here.
type KV interface {
	Get(key, def string) string
	Set(key, value string) bool
	RecoverAll(key string, accept func(string) bool) (durable.Recovery, bool)
	RegisterPruner(key string, fn durable.Pruner)
}

// Option configures a Store.
type Option func(*Store)

// WithLimit sets the per-agent turn limit. Values below 1 are ignored.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "history").Logger() }
}

// WithNotices sets the notice sink.
func WithNotices(n notify.Sink) Option {
	return func(s *Store) { s.notices = n }
}

// Store owns the agent id to turns map.
type Store struct {
	mu      sync.Mutex
	kv      KV
	buckets map[string][]Turn
	limit   int
	log     zerolog.Logger
	notices notify.Sink
}

// New creates a store and registers its quota pruner with kv. Call Load to
// read persisted history.
func New(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		buckets: make(map[string][]Turn),
		limit:   DefaultLimit,
		log:     zerolog.Nop(),
		notices: notify.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Set for this key only happens in persistLocked, under s.mu.
	kv.RegisterPruner(durable.KeyHistories, func() (string, bool) {
		if s.pruneLocked() == 0 {
			return "", false
		}
		raw, err := json.Marshal(s.buckets)
		if err != nil {
			return "", false
		}
		return string(raw), true
	})
	return s
}

// ValidHistories accepts a JSON object of agent id to turns.
func ValidHistories(raw string) bool {
	var m map[string][]Turn
	return json.Unmarshal([]byte(raw), &m) == nil && m != nil
}

// Load replaces the in-memory map with the persisted one. A malformed record
// triggers a recovery scan; if nothing is recoverable the store starts empty
// and the parse error is returned for reporting.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.kv.Get(durable.KeyHistories, "{}")
	m := make(map[string][]Turn)
	err := durable.DecodeJSON(durable.KeyHistories, raw, &m)
	if err != nil {
		s.log.Warn().Err(err).Msg("history record malformed, scanning backups")
		rec, ok := s.kv.RecoverAll(durable.KeyHistories, ValidHistories)
		if !ok {
			s.buckets = make(map[string][]Turn)
			notify.Emit(s.notices, notify.KindStorageDegraded,
				"Conversation history could not be read and was reset.")
			return err
		}
		m = make(map[string][]Turn)
		if err := json.Unmarshal([]byte(rec.Value), &m); err != nil {
			s.buckets = make(map[string][]Turn)
			return err
		}
		s.log.Info().Str("source", rec.Source).Msg("history recovered")
	}
	if m == nil {
		m = make(map[string][]Turn)
	}
	s.buckets = m
	return nil
}

// persistLocked writes the whole map.
func (s *Store) persistLocked() error {
	raw, err := json.Marshal(s.buckets)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if !s.kv.Set(durable.KeyHistories, string(raw)) {
		return durable.ErrStorageUnavailable
	}
	return nil
}

// Append adds turn to agentID's bucket, dropping the oldest turns beyond the
// limit, and persists.
func (s *Store) Append(agentID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := append(s.buckets[agentID], turn)
	if over := len(bucket) - s.limit; over > 0 {
		bucket = append([]Turn(nil), bucket[over:]...)
	}
	s.buckets[agentID] = bucket
	return s.persistLocked()
}

// Prune truncates every bucket to the newest limit turns and persists when
// anything changed. It returns the number of turns dropped.
func (s *Store) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pruneLocked()
	if n == 0 {
		return 0, nil
	}
	return n, s.persistLocked()
}

func (s *Store) pruneLocked() int {
	dropped := 0
	for id, bucket := range s.buckets {
		if over := len(bucket) - s.limit; over > 0 {
			s.buckets[id] = append([]Turn(nil), bucket[over:]...)
			dropped += over
		}
	}
	if dropped > 0 {
		s.log.Info().Int("dropped", dropped).Int("limit", s.limit).Msg("history pruned")
	}
	return dropped
}

// Clear empties agentID's bucket and persists.
func (s *Store) Clear(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[agentID] = []Turn{}
	return s.persistLocked()
}

// Delete drops agentID's bucket entirely.
func (s *Store) Delete(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[agentID]; !ok {
		return nil
	}
	delete(s.buckets, agentID)
	return s.persistLocked()
}

// Ensure creates an empty bucket for agentID if none exists and returns the
// bucket length.
func (s *Store) Ensure(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[agentID]; ok {
		return len(bucket)
	}
	s.buckets[agentID] = []Turn{}
	if err := s.persistLocked(); err != nil {
		s.log.Warn().Err(err).Str("agent", agentID).Msg("persist new history bucket")
	}
	return 0
}

// History returns a copy of agentID's turns in order.
func (s *Store) History(agentID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.buckets[agentID]...)
}

// Len returns the number of turns stored for agentID.
func (s *Store) Len(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[agentID])
}

// Agents lists agent ids with a bucket, sorted.
func (s *Store) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Limit returns the per-agent turn limit.
func (s *Store) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// SetLimit changes the limit and prunes to it.
func (s *Store) SetLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("history limit must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	if s.pruneLocked() == 0 {
		return nil
	}
	return s.persistLocked()
}
