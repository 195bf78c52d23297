// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect decides which device form factor agentdock is running on.
//
// The form factor changes storage behaviour: on a mobile class device the
// agent collection gets an extra backup copy and the auto-save interval is
// shorter, because the process is more likely to be killed without warning.
//
// # Key Types
//
//   - Class: Desktop or Mobile
//   - Probe: the environment inputs used for auto detection
//
// # Usage
//
//	class := detect.Resolve(cfg.Device.Class)
//	if class.IsMobile() {
//		interval = cfg.AutoSave.Mobile()
//	}
package detect
