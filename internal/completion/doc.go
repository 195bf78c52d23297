// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package completion sends streaming chat requests to an agent's endpoint and
// decodes the server-sent event stream.
//
// Two response shapes are understood: the OpenAI style
// choices[0].delta.content and the Gemini style
// candidates[0].content.parts[0].text. Frames that parse as JSON but match
// neither shape are counted and logged rather than guessed at.
//
// # Key Types
//
//   - Client: HTTP transport with a response-header timeout
//   - Conversation: appends turns to history around a streamed reply
//   - APIError: non-2xx responses, matched with errors.Is against ErrUnauthorized,
//     ErrForbidden, ErrRateLimited or ErrServer
//
// # Usage
//
//	client := completion.NewClient(completion.WithLogger(logger))
//	conv := completion.NewConversation(client, hist)
//	reply, err := conv.Send(ctx, profile, "hello", func(text string) {
//		fmt.Print("\r", text)
//	})
//	if err != nil {
//		fmt.Println(completion.UserMessage(err))
//	}
package completion
