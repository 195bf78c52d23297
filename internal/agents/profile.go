// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Placeholder values for synthesized profiles.
const (
	PlaceholderAPIKey = "YOUR_API_KEY_HERE"
	DefaultAPIURL     = "https://aihubmix.com/v1/chat/completions"
	DefaultModel      = "gemini-2.0-flash"

	defaultTemperature = 0.8
	defaultMaxTokens   = 1024
)

// Source records where a profile came from. It survives edits.
type Source string

const (
	SourceJSON     Source = "json"
	SourceLocal    Source = "local"
	SourceDefault  Source = "default"
	SourceRecovery Source = "recovery"
)

// Profile is one configured agent. JSON names are the persisted names.
type Profile struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	APIURL         string  `json:"apiUrl"`
	APIKey         string  `json:"apiKey"`
	Model          string  `json:"model"`
	SystemPrompt   string  `json:"systemPrompt,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	WelcomeMessage string  `json:"welcomeMessage,omitempty"`
	IsBuiltIn      bool    `json:"isBuiltIn"`
	Source         Source  `json:"source"`
}

// Protected reports whether the profile is catalog-owned and cannot be
// edited in place or deleted.
func (p Profile) Protected() bool {
	return p.IsBuiltIn || p.Source == SourceJSON
}

// HasPlaceholderKey reports whether the profile still needs a real key.
func (p Profile) HasPlaceholderKey() bool {
	return p.APIKey == "" || p.APIKey == PlaceholderAPIKey
}

// NewID returns "<prefix>-<uuid>".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// DefaultProfile is the editable profile created when no agents exist.
func DefaultProfile() Profile {
	return Profile{
		ID:          NewID("default"),
		Name:        "Default agent (user-editable)",
		APIURL:      DefaultAPIURL,
		APIKey:      PlaceholderAPIKey,
		Model:       DefaultModel,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Source:      SourceDefault,
	}
}

// RecoveryProfile is the profile created when initialization failed and no
// backup could be recovered.
func RecoveryProfile() Profile {
	p := DefaultProfile()
	p.ID = NewID("recovery")
	p.Name = "Recovery agent"
	p.WelcomeMessage = "System recovering, please reconfigure your API key."
	p.Source = SourceRecovery
	return p
}

// Merge returns local followed by every catalog profile whose id is not
// already present. Local entries are never modified.
func Merge(local, catalog []Profile) []Profile {
	out := make([]Profile, 0, len(local)+len(catalog))
	seen := make(map[string]bool, len(local)+len(catalog))
	for _, p := range local {
		out = append(out, p)
		seen[p.ID] = true
	}
	for _, p := range catalog {
		if seen[p.ID] {
			continue
		}
		out = append(out, p)
		seen[p.ID] = true
	}
	return out
}

// normalize fills defaults on a stored profile. Profiles without an id are
// dropped.
func normalize(in []Profile) []Profile {
	out := make([]Profile, 0, len(in))
	for _, p := range in {
		if p.ID == "" {
			continue
		}
		if p.Source == "" {
			p.Source = SourceLocal
		}
		out = append(out, p)
	}
	return out
}

// ValidCollection accepts a JSON array holding at least one profile with an id.
func ValidCollection(raw string) bool {
	var ps []Profile
	if err := json.Unmarshal([]byte(raw), &ps); err != nil {
		return false
	}
	return len(normalize(ps)) > 0
}
