// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteBackend is the primary tier: a single-table SQLite database.
type SQLiteBackend struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	quota  int64
	closed bool
}

// OpenSQLite opens (creating if needed) the database at path. A positive
// quota caps the total bytes of stored keys plus values; writes beyond it
// fail with ErrQuotaExceeded.
func OpenSQLite(path string, quota int64) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", classifySQLite(err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", classifySQLite(err))
		}
	}

	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", classifySQLite(err))
	}

	return &SQLiteBackend{db: db, path: path, quota: quota}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// Get implements Backend.
func (b *SQLiteBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", false, ErrUnavailable
	}

	var value string
	err := b.db.QueryRow("SELECT value FROM records WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifySQLite(err)
	}
	return value, true, nil
}

// Set implements Backend.
func (b *SQLiteBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}

	if b.quota > 0 {
		var used int64
		err := b.db.QueryRow(
			"SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM records WHERE key != ?",
			key,
		).Scan(&used)
		if err != nil {
			return classifySQLite(err)
		}
		if used+int64(len(key)+len(value)) > b.quota {
			return ErrQuotaExceeded
		}
	}

	_, err := b.db.Exec(
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return classifySQLite(err)
}

// Remove implements Backend.
func (b *SQLiteBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	_, err := b.db.Exec("DELETE FROM records WHERE key = ?", key)
	return classifySQLite(err)
}

// Keys implements Backend.
func (b *SQLiteBackend) Keys(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}

	// substr comparison avoids LIKE wildcard escaping for "_" in keys.
	rows, err := b.db.Query(
		"SELECT key FROM records WHERE substr(key, 1, ?) = ? ORDER BY key",
		len([]rune(prefix)), prefix,
	)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classifySQLite(err)
		}
		keys = append(keys, k)
	}
	return keys, classifySQLite(rows.Err())
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// classifySQLite maps SQLite result codes onto the package sentinels.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_AUTH:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
