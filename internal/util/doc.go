// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the agentdock packages.
//
// # Key Functions
//
//   - WriteFileAtomic: crash-safe file writes (temp file, fsync, rename)
//   - Truncate: display-width aware truncation with ellipsis
//   - Width: terminal cell width of a string
//
// # Usage
//
//	if err := util.WriteFileAtomic(path, data, 0600); err != nil {
//		return err
//	}
//	label := util.Truncate(profile.Name, 24)
package util
