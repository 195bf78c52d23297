// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify carries user-visible notices about degraded but recovered
// states: storage falling back to memory, data restored from a backup copy,
// history pruned to fit a quota and similar.
//
// Notices are not log lines. Services emit them through a Sink and the
// presentation layer decides how to show them.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies a notice.
type Kind string

const (
	// KindMemoryOnly means no persistent tier is usable; data will not
	// survive a restart.
	KindMemoryOnly Kind = "memory_only"

	// KindRecoveredFromBackup means a record was restored from a backup copy.
	KindRecoveredFromBackup Kind = "recovered_from_backup"

	// KindRecoveryMode means nothing could be recovered and a placeholder
	// agent was synthesized.
	KindRecoveryMode Kind = "recovery_mode"

	// KindHistoryPruned means conversation history was trimmed to make room.
	KindHistoryPruned Kind = "history_pruned"

	// KindCatalogUnavailable means the agent catalog could not be fetched.
	KindCatalogUnavailable Kind = "catalog_unavailable"

	// KindStorageDegraded means a write landed on a lower tier than primary.
	KindStorageDegraded Kind = "storage_degraded"

	// KindDefaultCreated means a default agent was created because none existed.
	KindDefaultCreated Kind = "default_created"
)

// Notice is a single user-facing message.
type Notice struct {
	Kind    Kind
	Message string
	At      time.Time
}

func (n Notice) String() string {
	return fmt.Sprintf("[%s] %s", n.Kind, n.Message)
}

// Sink receives notices. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(Notice)
}

// Func adapts a plain function to a Sink.
type Func func(Notice)

// Notify calls f(n).
func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Sink = Func(func(Notice) {})

// Emit builds a notice and hands it to s. A nil sink is treated as Discard.
func Emit(s Sink, kind Kind, format string, args ...any) {
	if s == nil {
		return
	}
	s.Notify(Notice{Kind: kind, Message: fmt.Sprintf(format, args...), At: time.Now()})
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder buffers notices until drained.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Sink.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Drain returns buffered notices and empties the buffer.
func (r *Recorder) Drain() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.notices
	r.notices = nil
	return out
}

// Notices returns a copy of the buffered notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many buffered notices have the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

// Has reports whether any buffered notice has the given kind.
func (r *Recorder) Has(kind Kind) bool {
	return r.Count(kind) > 0
}
