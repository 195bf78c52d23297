// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// MobileWidthThreshold is the terminal width below which a session is
// treated as mobile when no stronger signal exists.
const MobileWidthThreshold = 80

// =============================================================================
// CLASS
// =============================================================================

// Class is a device form factor.
type Class int

const (
	// Desktop is the default form factor.
	Desktop Class = iota
	// Mobile covers phones and tablets (Termux, narrow SSH sessions).
	Mobile
)

// String returns the config spelling of the class.
func (c Class) String() string {
	if c == Mobile {
		return "mobile"
	}
	return "desktop"
}

// IsMobile reports whether c is Mobile.
func (c Class) IsMobile() bool { return c == Mobile }

// =============================================================================
// DETECTION
// =============================================================================

// Probe holds the environment inputs used by Detect.
type Probe struct {
	// Getenv looks up environment variables.
	Getenv func(string) string
	// Width returns the terminal width; ok is false when stdout is not a terminal.
	Width func() (width int, ok bool)
}

// SystemProbe reads the real environment and stdout.
func SystemProbe() Probe {
	return Probe{
		Getenv: os.Getenv,
		Width: func() (int, bool) {
			fd := int(os.Stdout.Fd())
			if !term.IsTerminal(fd) {
				return 0, false
			}
			w, _, err := term.GetSize(fd)
			if err != nil {
				return 0, false
			}
			return w, true
		},
	}
}

// Detect classifies the device described by p.
//
// Termux and Android environments are always mobile. Otherwise a terminal
// narrower than MobileWidthThreshold counts as mobile. Without a terminal the
// answer is Desktop.
func Detect(p Probe) Class {
	if p.Getenv != nil {
		if p.Getenv("TERMUX_VERSION") != "" || p.Getenv("ANDROID_ROOT") != "" {
			return Mobile
		}
	}
	if p.Width != nil {
		if w, ok := p.Width(); ok && w > 0 && w < MobileWidthThreshold {
			return Mobile
		}
	}
	return Desktop
}

var (
	cachedClass Class
	cacheOnce   sync.Once
	cacheMu     sync.Mutex
)

// DetectCached runs Detect(SystemProbe()) once per process.
func DetectCached() Class {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cacheOnce.Do(func() {
		cachedClass = Detect(SystemProbe())
	})
	return cachedClass
}

// ClearCache forgets the cached detection result.
func ClearCache() {
	cacheMu.Lock()
	cacheOnce = sync.Once{}
	cacheMu.Unlock()
}

// Resolve maps a configured class ("auto", "desktop", "mobile") to a Class.
// Unknown values fall back to auto detection.
func Resolve(setting string) Class {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case "desktop":
		return Desktop
	case "mobile":
		return Mobile
	default:
		return DetectCached()
	}
}
