// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings holds the user preferences persisted under the
// "settings" record.
package settings

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/history"
)

// Settings are the user preferences.
type Settings struct {
	MarkdownEnabled      bool `json:"markdownEnabled"`
	CodeHighlightEnabled bool `json:"codeHighlightEnabled"`
	DarkModeEnabled      bool `json:"darkModeEnabled"`
	MessageHistoryLimit  int  `json:"messageHistoryLimit"`
	AutoSaveEnabled      bool `json:"autoSaveEnabled"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
}

// Defaults returns the preferences used when nothing is saved.
func Defaults() Settings {
	return Settings{
		MarkdownEnabled:      true,
		CodeHighlightEnabled: true,
		DarkModeEnabled:      true,
		MessageHistoryLimit:  history.DefaultLimit,
		AutoSaveEnabled:      true,
		NotificationsEnabled: true,
	}
}

// KV is the subset of durable.Store used here.
type KV interface {
	Get(key, def string) string
	Set(key, value string) bool
}

// Manager loads and saves Settings.
type Manager struct {
	mu  sync.Mutex
	kv  KV
	cur Settings
	log zerolog.Logger
}

// NewManager creates a manager holding the defaults. Call Load to read the
// saved record.
func NewManager(kv KV, log zerolog.Logger) *Manager {
	return &Manager{kv: kv, cur: Defaults(), log: log.With().Str("component", "settings").Logger()}
}

// Load reads the saved record over the defaults. Missing fields keep their
// default; an unparseable record leaves the defaults in place.
func (m *Manager) Load() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Defaults()
	raw := m.kv.Get(durable.KeySettings, "")
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			m.log.Warn().Err(&durable.ParseError{Key: durable.KeySettings, Err: err}).Msg("ignoring saved settings")
			s = Defaults()
		}
	}
	if s.MessageHistoryLimit < 1 {
		s.MessageHistoryLimit = history.DefaultLimit
	}
	m.cur = s
	return s
}

// Get returns the current settings.
func (m *Manager) Get() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Save persists s and makes it current.
func (m *Manager) Save(s Settings) error {
	if s.MessageHistoryLimit < 1 {
		return fmt.Errorf("message history limit must be at least 1, got %d", s.MessageHistoryLimit)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.kv.Set(durable.KeySettings, string(data)) {
		return fmt.Errorf("save settings: %w", durable.ErrStorageUnavailable)
	}
	m.cur = s
	return nil
}

// Update applies fn to a copy of the current settings and saves the result.
func (m *Manager) Update(fn func(*Settings)) (Settings, error) {
	s := m.Get()
	fn(&s)
	if err := m.Save(s); err != nil {
		return m.Get(), err
	}
	return s, nil
}
