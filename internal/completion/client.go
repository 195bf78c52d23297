// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/history"
)

const (
	// DefaultHeaderTimeout bounds the wait for response headers.
	DefaultHeaderTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024

	userAgent = "agentdock/1.0"
)

// =============================================================================
// REQUEST
// =============================================================================

// Payload is the JSON body sent to the completion endpoint.
type Payload struct {
	Model            string         `json:"model"`
	Messages         []history.Turn `json:"messages"`
	Temperature      float64        `json:"temperature"`
	MaxTokens        int            `json:"max_tokens"`
	TopP             float64        `json:"top_p"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	Stream           bool           `json:"stream"`
}

// BuildPayload builds the request body for p and the conversation so far.
// The system prompt is prepended here and never stored in history.
func BuildPayload(p agents.Profile, turns []history.Turn) Payload {
	msgs := make([]history.Turn, 0, len(turns)+1)
	if p.SystemPrompt != "" {
		msgs = append(msgs, history.System(p.SystemPrompt))
	}
	msgs = append(msgs, turns...)
	return Payload{
		Model:       p.Model,
		Messages:    msgs,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		TopP:        1,
		Stream:      true,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero; the
// header timeout is applied separately.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithHeaderTimeout sets how long to wait for response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.headerTimeout = d
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l.With().Str("component", "completion").Logger() }
}

// Client streams completions.
type Client struct {
	http          *http.Client
	headerTimeout time.Duration
	log           zerolog.Logger
}

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		// No overall timeout: streams are bounded by the header timeout and ctx.
		http:          &http.Client{},
		headerTimeout: DefaultHeaderTimeout,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream sends the conversation to p's endpoint and decodes the reply.
// onDelta receives the cumulative text after every delta. On error the
// partial result is returned alongside it for diagnostics only.
func (c *Client) Stream(ctx context.Context, p agents.Profile, turns []history.Turn, onDelta func(string)) (StreamResult, error) {
	if p.APIURL == "" {
		return StreamResult{}, ErrNotConfigured
	}

	body, err := json.Marshal(BuildPayload(p, turns))
	if err != nil {
		return StreamResult{}, fmt.Errorf("encode request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.APIURL, bytes.NewReader(body))
	if err != nil {
		return StreamResult{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)

	// The deadline only covers the wait for headers; a long stream is fine.
	deadline := startHeaderDeadline(c.headerTimeout, cancel)

	start := time.Now()
	resp, err := c.http.Do(req)
	if !deadline.arrived() {
		if err == nil {
			resp.Body.Close()
		}
		return StreamResult{}, fmt.Errorf("%w after %s", ErrTimeout, c.headerTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return StreamResult{}, ctx.Err()
		}
		return StreamResult{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("model", p.Model).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("completion response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StreamResult{}, errorFromResponse(resp)
	}

	res, err := DecodeStream(resp.Body, onDelta, c.log)
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			return res, err
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			return res, fmt.Errorf("%w: read stream: %v", ErrNetwork, err)
		}
	}
	if res.Malformed > 0 || res.Unrecognized > 0 {
		c.log.Warn().Int("malformed", res.Malformed).Int("unrecognized", res.Unrecognized).
			Msg("stream contained frames that were skipped")
	}
	if res.Text == "" {
		return res, ErrEmptyResponse
	}
	return res, nil
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		apiErr.Message = eb.Error.Message
		if apiErr.Message == "" {
			apiErr.Message = eb.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			apiErr.RetryAfter = time.Duration(s) * time.Second
		}
	}
	return apiErr
}

const (
	deadlineWaiting int32 = iota
	deadlineExpired
	deadlineArrived
)

// headerDeadline cancels a request that has not produced headers in time.
// Exactly one of expire and arrived wins, so a response that made it back
// is never cancelled underneath the caller.
type headerDeadline struct {
	state  atomic.Int32
	cancel context.CancelFunc
	timer  *time.Timer
}

func startHeaderDeadline(d time.Duration, cancel context.CancelFunc) *headerDeadline {
	h := &headerDeadline{cancel: cancel}
	h.timer = time.AfterFunc(d, h.expire)
	return h
}

func (h *headerDeadline) expire() {
	if h.state.CompareAndSwap(deadlineWaiting, deadlineExpired) {
		h.cancel()
	}
}

// arrived stops the deadline. It reports false when the deadline already fired.
func (h *headerDeadline) arrived() bool {
	h.timer.Stop()
	if h.state.CompareAndSwap(deadlineWaiting, deadlineArrived) {
		return true
	}
	return h.state.Load() == deadlineArrived
}
