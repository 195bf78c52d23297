// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/agentdock/internal/notify"
)

const (
	// DefaultCatalogCooldown is the minimum gap between catalog fetches.
	DefaultCatalogCooldown = 5 * time.Second

	// DefaultCatalogTimeout bounds one catalog request.
	DefaultCatalogTimeout = 10 * time.Second

	// MaxCatalogSize caps the catalog body.
	MaxCatalogSize = 2 * 1024 * 1024

	catalogDefaultTemperature = 0.7
	catalogDefaultMaxTokens   = 2048
)

// ErrCatalogUnavailable wraps every catalog fetch failure.
var ErrCatalogUnavailable = errors.New("agent catalog unavailable")

// CatalogEntry is one element of the catalog document.
type CatalogEntry struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	APIURL             string   `json:"apiUrl"`
	APIKeyVariableName string   `json:"apiKeyVariableName"`
	Model              string   `json:"model"`
	SystemPrompt       string   `json:"systemPrompt,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	WelcomeMessage     string   `json:"welcomeMessage,omitempty"`
}

// Profile converts the entry to a built-in profile. When lookupEnv finds a
// variable named by APIKeyVariableName its value becomes the key; otherwise
// the name itself is kept.
func (e CatalogEntry) Profile(lookupEnv func(string) (string, bool)) Profile {
	key := e.APIKeyVariableName
	if lookupEnv != nil && key != "" {
		if v, ok := lookupEnv(key); ok && v != "" {
			key = v
		}
	}

	temp := catalogDefaultTemperature
	if e.Temperature != nil {
		temp = *e.Temperature
	}
	maxTokens := catalogDefaultMaxTokens
	if e.MaxTokens != nil && *e.MaxTokens > 0 {
		maxTokens = *e.MaxTokens
	}

	return Profile{
		ID:             e.ID,
		Name:           e.Name,
		APIURL:         e.APIURL,
		APIKey:         key,
		Model:          e.Model,
		SystemPrompt:   e.SystemPrompt,
		Temperature:    temp,
		MaxTokens:      maxTokens,
		WelcomeMessage: e.WelcomeMessage,
		IsBuiltIn:      true,
		Source:         SourceJSON,
	}
}

// ParseCatalog decodes a catalog document. Entries without an id are skipped.
func ParseCatalog(data []byte, lookupEnv func(string) (string, bool)) ([]Profile, error) {
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	out := make([]Profile, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		out = append(out, e.Profile(lookupEnv))
	}
	return out, nil
}

// IsRemote reports whether source is an http(s) URL rather than a file path.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// LocalPath returns the file path for a non-remote source.
func LocalPath(source string) string {
	return strings.TrimPrefix(source, "file://")
}

// =============================================================================
// FETCHER
// =============================================================================

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithCooldown sets the minimum gap between network fetches.
func WithCooldown(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.cooldown = d }
}

// WithFetchTimeout bounds each fetch.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.timeout = d }
}

// WithEnvLookup sets how apiKeyVariableName is resolved.
func WithEnvLookup(fn func(string) (string, bool)) FetcherOption {
	return func(f *Fetcher) { f.lookupEnv = fn }
}

// WithFetcherLogger sets the diagnostics logger.
func WithFetcherLogger(l zerolog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = l.With().Str("component", "catalog").Logger() }
}

// WithFetcherNotices sets the notice sink.
func WithFetcherNotices(n notify.Sink) FetcherOption {
	return func(f *Fetcher) { f.notices = n }
}

// Fetcher loads the catalog at most once per process. Concurrent callers
// share one request, and after a failure another attempt is not made until
// the cooldown has passed.
type Fetcher struct {
	source    string
	client    *http.Client
	cooldown  time.Duration
	timeout   time.Duration
	lookupEnv func(string) (string, bool)
	log       zerolog.Logger
	notices   notify.Sink

	group singleflight.Group

	mu      sync.Mutex
	limiter *rate.Limiter
	cache   []Profile
	cached  bool
}

// NewFetcher creates a fetcher for source, an http(s) URL or a file path.
// An empty source yields an empty catalog.
func NewFetcher(source string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source:    strings.TrimSpace(source),
		client:    &http.Client{},
		cooldown:  DefaultCatalogCooldown,
		timeout:   DefaultCatalogTimeout,
		lookupEnv: os.LookupEnv,
		log:       zerolog.Nop(),
		notices:   notify.Discard,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.limiter = f.newLimiter()
	return f
}

func (f *Fetcher) newLimiter() *rate.Limiter {
	if f.cooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(f.cooldown), 1)
}

// Source returns the configured catalog location.
func (f *Fetcher) Source() string { return f.source }

// Fetch returns the catalog profiles. The slice is always usable: on failure
// or inside the cooldown it is empty, and the error (if any) wraps
// ErrCatalogUnavailable.
func (f *Fetcher) Fetch(ctx context.Context) ([]Profile, error) {
	if f.source == "" {
		return []Profile{}, nil
	}

	f.mu.Lock()
	if f.cached {
		out := append([]Profile(nil), f.cache...)
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do("catalog", func() (any, error) {
		f.mu.Lock()
		if f.cached {
			out := f.cache
			f.mu.Unlock()
			return out, nil
		}
		allowed := f.limiter.Allow()
		f.mu.Unlock()

		if !allowed {
			f.log.Debug().Msg("catalog fetch skipped inside cooldown")
			return []Profile{}, nil
		}

		profiles, err := f.load(ctx)
		if err != nil {
			return []Profile{}, err
		}

		f.mu.Lock()
		f.cache = profiles
		f.cached = true
		f.mu.Unlock()
		f.log.Debug().Int("profiles", len(profiles)).Msg("catalog loaded")
		return profiles, nil
	})

	profiles, _ := v.([]Profile)
	out := append([]Profile{}, profiles...)
	if err != nil {
		f.log.Warn().Err(err).Str("source", f.source).Msg("catalog fetch failed")
		notify.Emit(f.notices, notify.KindCatalogUnavailable,
			"Built-in agents could not be loaded: %v", err)
		return out, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return out, nil
}

// Invalidate drops the cached catalog and resets the cooldown so the next
// Fetch reloads immediately.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	f.cache = nil
	f.cached = false
	f.limiter = f.newLimiter()
	f.mu.Unlock()
}

func (f *Fetcher) load(ctx context.Context) ([]Profile, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var data []byte
	var err error
	if IsRemote(f.source) {
		data, err = f.loadHTTP(ctx)
	} else {
		data, err = os.ReadFile(LocalPath(f.source))
	}
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data, f.lookupEnv)
}

func (f *Fetcher) loadHTTP(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(f.source)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("catalog returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxCatalogSize+1))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if len(body) > MaxCatalogSize {
		return nil, fmt.Errorf("catalog exceeded maximum size of %d bytes", MaxCatalogSize)
	}
	return body, nil
}
