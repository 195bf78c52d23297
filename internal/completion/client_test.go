// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/history"
)

func testProfile(url string) agents.Profile {
	return agents.Profile{
		ID:           "a1",
		Name:         "Tester",
		APIURL:       url,
		APIKey:       "sk-test",
		Model:        "test-model",
		SystemPrompt: "Be brief.",
		Temperature:  0.5,
		MaxTokens:    256,
	}
}

func sseHandler(t *testing.T, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestBuildPayload(t *testing.T) {
	p := testProfile("http://x")
	turns := []history.Turn{history.User("hi")}

	got := BuildPayload(p, turns)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, history.System("Be brief."), got.Messages[0])
	assert.Equal(t, history.User("hi"), got.Messages[1])
	assert.Equal(t, 1.0, got.TopP)
	assert.True(t, got.Stream)

	p.SystemPrompt = ""
	assert.Len(t, BuildPayload(p, turns).Messages, 1)
	assert.Len(t, turns, 1, "caller's slice is not modified")
}

func TestStream_RequestShape(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sseHandler(t, "ok")(w, r)
	}))
	defer srv.Close()

	res, err := NewClient().Stream(context.Background(), testProfile(srv.URL), []history.Turn{history.User("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)

	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, 0.5, body["temperature"])
	assert.EqualValues(t, 256, body["max_tokens"])
	assert.EqualValues(t, 1, body["top_p"])
	assert.EqualValues(t, 0, body["frequency_penalty"])
	assert.EqualValues(t, 0, body["presence_penalty"])
	assert.Equal(t, true, body["stream"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestStream_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
		msg    string
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrUnauthorized, "bad key"},
		{http.StatusForbidden, `{}`, ErrForbidden, "Forbidden"},
		{http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited, "slow down"},
		{http.StatusInternalServerError, `oops`, ErrServer, "Internal Server Error"},
		{http.StatusBadGateway, `{"error":{"message":"upstream"}}`, ErrServer, "upstream"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient().Stream(context.Background(), testProfile(srv.URL), nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.msg, apiErr.Message)
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
				assert.Contains(t, UserMessage(err), "7s")
			}
			assert.NotEmpty(t, UserMessage(err))
		})
	}
}

func TestStream_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(WithHeaderTimeout(50 * time.Millisecond))
	_, err := c.Stream(context.Background(), testProfile(srv.URL), nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStream_SlowBodyAfterHeadersIsNotTimedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(120 * time.Millisecond)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n")
	}))
	defer srv.Close()

	c := NewClient(WithHeaderTimeout(50 * time.Millisecond))
	res, err := c.Stream(context.Background(), testProfile(srv.URL), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "late", res.Text)
}

func TestHeaderDeadline(t *testing.T) {
	t.Run("arrived first keeps the request alive", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d := startHeaderDeadline(time.Hour, cancel)
		assert.True(t, d.arrived())
		d.expire()
		assert.NoError(t, ctx.Err())
		assert.True(t, d.arrived())
	})

	t.Run("expired first reports a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d := startHeaderDeadline(time.Hour, cancel)
		d.expire()
		assert.False(t, d.arrived())
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("timer fires", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d := startHeaderDeadline(time.Millisecond, cancel)
		<-ctx.Done()
		assert.False(t, d.arrived())
	})
}

func TestStream_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewClient().Stream(ctx, testProfile(srv.URL), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Request cancelled.", UserMessage(err))
}

func TestStream_NotConfigured(t *testing.T) {
	_, err := NewClient().Stream(context.Background(), testProfile(""), nil, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStream_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient().Stream(context.Background(), testProfile(url), nil, nil)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestStream_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t))
	defer srv.Close()

	_, err := NewClient().Stream(context.Background(), testProfile(srv.URL), nil, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func newTranscript(t *testing.T) *history.Store {
	t.Helper()
	kv := durable.New(durable.NewMemoryBackend(0), nil, durable.NewMemoryBackend(0), durable.DefaultOptions())
	return history.New(kv)
}

func TestConversation_Send(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		for _, m := range p.Messages {
			seen = append(seen, string(m.Role)+":"+m.Content)
		}
		sseHandler(t, "Hi ", "there")(w, r)
	}))
	defer srv.Close()

	hist := newTranscript(t)
	conv := NewConversation(NewClient(), hist)
	p := testProfile(srv.URL)

	var last string
	reply, err := conv.Send(context.Background(), p, "  hello  ", func(s string) { last = s })
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, "Hi there", last)
	assert.Equal(t, []string{"system:Be brief.", "user:hello"}, seen)
	assert.Equal(t, []history.Turn{history.User("hello"), history.Assistant("Hi there")}, hist.History(p.ID))
}

func TestConversation_FailureDiscardsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"half\"}}]}\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"boom\"}}\n")
	}))
	defer srv.Close()

	hist := newTranscript(t)
	p := testProfile(srv.URL)
	reply, err := NewConversation(NewClient(), hist).Send(context.Background(), p, "hello", nil)
	require.ErrorIs(t, err, ErrServer)
	assert.Empty(t, reply)
	assert.Equal(t, []history.Turn{history.User("hello")}, hist.History(p.ID))
}

func TestConversation_RejectsBlank(t *testing.T) {
	_, err := NewConversation(NewClient(), newTranscript(t)).Send(context.Background(), testProfile("http://x"), "   ", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}
