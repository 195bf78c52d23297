// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package durable

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/jeranaias/agentdock/internal/util"
)

const recordExt = ".rec"

// SessionDir returns the session tier directory for root and sessionID.
// Empty root means os.TempDir(); empty sessionID means the parent process
// id, so every command run from the same shell shares one session.
func SessionDir(root, sessionID string) string {
	if root == "" {
		root = os.TempDir()
	}
	if sessionID == "" {
		sessionID = strconv.Itoa(os.Getppid())
	}
	return filepath.Join(root, "agentdock-"+sessionID)
}

// FileBackend stores one file per key in a directory. Writes are atomic.
type FileBackend struct {
	mu     sync.Mutex
	dir    string
	quota  int64
	closed bool
}

// OpenFileBackend creates dir if needed. A positive quota caps the total size
// of record files.
func OpenFileBackend(dir string, quota int64) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", classifyFS(err))
	}
	return &FileBackend{dir: dir, quota: quota}, nil
}

// Dir returns the backing directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) pathFor(key string) string {
	return filepath.Join(b.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+recordExt)
}

// Get implements Backend.
func (b *FileBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", false, ErrUnavailable
	}
	data, err := os.ReadFile(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyFS(err)
	}
	return string(data), true, nil
}

// Set implements Backend.
func (b *FileBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}

	path := b.pathFor(key)
	if b.quota > 0 {
		used, err := b.usageExcluding(path)
		if err != nil {
			return classifyFS(err)
		}
		if used+int64(len(value)) > b.quota {
			return ErrQuotaExceeded
		}
	}

	if err := util.WriteFileAtomic(path, []byte(value), 0600); err != nil {
		return classifyFS(err)
	}
	return nil
}

func (b *FileBackend) usageExcluding(path string) (int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, err
	}
	var used int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		if filepath.Join(b.dir, e.Name()) == path {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		used += info.Size()
	}
	return used, nil
}

// Remove implements Backend.
func (b *FileBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	err := os.Remove(b.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyFS(err)
	}
	return nil
}

// Keys implements Backend.
func (b *FileBackend) Keys(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, classifyFS(err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		if k := string(raw); strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// classifyFS maps filesystem errors onto the package sentinels.
func classifyFS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EROFS):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
