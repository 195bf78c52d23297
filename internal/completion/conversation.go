// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/history"
)

// Streamer is implemented by Client.
type Streamer interface {
	Stream(ctx context.Context, p agents.Profile, turns []history.Turn, onDelta func(string)) (StreamResult, error)
}

// Transcript is the subset of history.Store used by Conversation.
type Transcript interface {
	Append(agentID string, turn history.Turn) error
	History(agentID string) []history.Turn
}

// Conversation ties a completion client to the transcript of each agent.
type Conversation struct {
	client Streamer
	hist   Transcript
}

// NewConversation creates a conversation over hist.
func NewConversation(client Streamer, hist Transcript) *Conversation {
	return &Conversation{client: client, hist: hist}
}

// Send records text as a user turn, streams the reply and records it as an
// assistant turn. The user turn stays in history when the request fails so
// the exchange can be retried. On failure no partial text is returned.
func (c *Conversation) Send(ctx context.Context, p agents.Profile, text string, onDelta func(string)) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty message")
	}
	if err := c.hist.Append(p.ID, history.User(text)); err != nil {
		return "", err
	}

	res, err := c.client.Stream(ctx, p, c.hist.History(p.ID), onDelta)
	if err != nil {
		return "", err
	}
	if err := c.hist.Append(p.ID, history.Assistant(res.Text)); err != nil {
		return res.Text, err
	}
	return res.Text, nil
}
