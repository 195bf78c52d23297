// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrNotConfigured means the profile has no endpoint.
	ErrNotConfigured = errors.New("agent has no API endpoint configured")

	// ErrTimeout means no response headers arrived within the timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrUnauthorized is HTTP 401.
	ErrUnauthorized = errors.New("API key rejected")

	// ErrForbidden is HTTP 403.
	ErrForbidden = errors.New("access forbidden")

	// ErrRateLimited is HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrServer is any other non-2xx status or an in-stream error frame.
	ErrServer = errors.New("server error")

	// ErrNetwork is a transport failure.
	ErrNetwork = errors.New("network error")

	// ErrEmptyResponse means the stream finished with no content.
	ErrEmptyResponse = errors.New("empty response")

	// ErrMalformedStream marks skipped frames. It is logged, never returned.
	ErrMalformedStream = errors.New("malformed stream frame")
)

// APIError is a failed response from the completion endpoint. Status is 0
// for an error object delivered inside the stream.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "stream error: " + e.Message
	}
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Is classifies the error by status code.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusUnauthorized:
		return target == ErrUnauthorized
	case http.StatusForbidden:
		return target == ErrForbidden
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	default:
		return target == ErrServer
	}
}

// UserMessage renders err as a sentence for the user.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return "This agent has no API URL. Edit it with: agentdock agents edit <id> --url <endpoint>"
	case errors.Is(err, ErrTimeout):
		return "The request timed out. Check your network connection or try again."
	case errors.Is(err, ErrUnauthorized):
		return "The API key was rejected (401). Check the agent's API key."
	case errors.Is(err, ErrForbidden):
		return "Access was denied (403). The key may lack permission for this model."
	case errors.Is(err, ErrRateLimited):
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return fmt.Sprintf("Too many requests (429). Try again in %s.", apiErr.RetryAfter.Round(time.Second))
		}
		return "Too many requests (429). Wait a moment and try again."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("The server returned an error: %s", apiErr.Error())
	case errors.Is(err, ErrServer):
		return fmt.Sprintf("The server reported an error: %v", err)
	case errors.Is(err, ErrEmptyResponse):
		return "The model returned an empty response. Please try again."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.Is(err, ErrNetwork):
		return "Could not reach the API endpoint. Check the URL and your network connection."
	default:
		return fmt.Sprintf("Request failed: %v", err)
	}
}
