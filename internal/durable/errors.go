// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrQuotaExceeded is returned by a backend that is out of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnavailable is returned by a backend that refuses access
	// (permissions, read-only media, closed handle).
	ErrUnavailable = errors.New("storage backend unavailable")

	// ErrStorageUnavailable means no tier, not even memory, accepted a write.
	ErrStorageUnavailable = errors.New("no storage tier accepted the write")

	// ErrParse means a persisted record could not be decoded.
	ErrParse = errors.New("malformed persisted record")

	errVerifyMismatch = errors.New("read-back did not match written value")
)

// ParseError describes a persisted record that failed to decode.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrParse) match any ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// DecodeJSON unmarshals raw into v, wrapping failures in a ParseError for key.
func DecodeJSON(key, raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &ParseError{Key: key, Err: err}
	}
	return nil
}

// IsQuota reports whether err signals exhausted storage.
func IsQuota(err error) bool { return errors.Is(err, ErrQuotaExceeded) }
