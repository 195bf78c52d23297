// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the agentdock command line.
//
// # Commands
//
//   - chat [agent-id]: interactive session with an agent
//   - agents list|show|add|edit|delete: manage agent profiles
//   - history show|clear|prune: inspect and trim conversations
//   - export <agent-id>: write a conversation to Markdown, JSON or Word
//   - storage status|recover: inspect the storage tiers
//   - config path|show|get|set: inspect and edit configuration
//
// Every command that touches stored data opens an App, which wires the
// durable store, conversation store, agent registry and completion client,
// and prints any notices raised while the command ran.
package cli
