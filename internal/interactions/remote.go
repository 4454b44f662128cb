// Package interactions resolves the drug-interaction table from an external
// interaction service, guarded by a circuit breaker.
package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/validation"
	"github.com/drfirst/go-rxsafety/pkg/circuitbreaker"
)

// Config holds the remote source configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// CacheTTL is how long a fetched table is served without asking again
	CacheTTL time.Duration
}

// DefaultConfig returns defaults for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
}

// ErrUnexpectedStatus is returned for non-2xx responses
var ErrUnexpectedStatus = errors.New("unexpected status from interaction service")

// Option configures a RemoteSource
type Option func(*RemoteSource)

// WithFallback replaces the built-in table used when the service is down
func WithFallback(src validation.InteractionSource) Option {
	return func(r *RemoteSource) { r.fallback = src }
}

// WithOnFallback registers a callback run whenever the fallback is served
func WithOnFallback(fn func(err error)) Option {
	return func(r *RemoteSource) { r.onFallback = fn }
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(r *RemoteSource) { r.client = c }
}

// RemoteSource fetches interaction rules over HTTP. The remote rules are
// layered over the built-in table, so a pair the service omits is still
// checked.
type RemoteSource struct {
	cfg        Config
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	fallback   validation.InteractionSource
	onFallback func(error)
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	cached    []validation.InteractionRule
	fetchedAt time.Time
}

var _ validation.InteractionSource = (*RemoteSource)(nil)

// NewRemoteSource creates a remote source
func NewRemoteSource(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger, opts ...Option) (*RemoteSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("interaction service URL is required")
	}
	if breaker == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}

	r := &RemoteSource{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		fallback: validation.DefaultInteractions(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// InteractionRules returns the current table. When the service fails or the
// breaker is open, the last fetched table is served, then the fallback.
func (r *RemoteSource) InteractionRules(ctx context.Context) ([]validation.InteractionRule, error) {
	if rules, ok := r.fresh(); ok {
		return rules, nil
	}

	return circuitbreaker.DoWithFallback(ctx, r.breaker,
		func(ctx context.Context) ([]validation.InteractionRule, error) {
			remote, err := r.fetch(ctx)
			if err != nil {
				return nil, err
			}
			base, err := r.fallback.InteractionRules(ctx)
			if err != nil {
				return nil, err
			}
			merged := validation.MergeInteractions(base, remote)
			r.store(merged)
			return copyRules(merged), nil
		},
		func(err error) ([]validation.InteractionRule, error) {
			if r.onFallback != nil {
				r.onFallback(err)
			}
			if stale := r.stale(); stale != nil {
				r.logger.Warn("interaction service unavailable, serving cached table", zap.Error(err))
				return stale, nil
			}
			r.logger.Warn("interaction service unavailable, serving built-in table", zap.Error(err))
			return r.fallback.InteractionRules(ctx)
		})
}

type rulesResponse struct {
	Interactions []validation.InteractionRule `json:"interactions"`
}

func (r *RemoteSource) fetch(ctx context.Context) ([]validation.InteractionRule, error) {
	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/interactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch interactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body rulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode interactions: %w", err)
	}

	rules := body.Interactions[:0]
	for _, rule := range body.Interactions {
		if rule.A == "" || rule.B == "" || rule.Message == "" {
			continue
		}
		rules = append(rules, rule)
	}
	r.logger.Debug("interaction table fetched", zap.Int("rules", len(rules)))
	return rules, nil
}

func (r *RemoteSource) fresh() ([]validation.InteractionRule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil || r.cfg.CacheTTL <= 0 || r.now().Sub(r.fetchedAt) >= r.cfg.CacheTTL {
		return nil, false
	}
	return copyRules(r.cached), true
}

func (r *RemoteSource) stale() []validation.InteractionRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return nil
	}
	return copyRules(r.cached)
}

func (r *RemoteSource) store(rules []validation.InteractionRule) {
	r.mu.Lock()
	r.cached = copyRules(rules)
	r.fetchedAt = r.now()
	r.mu.Unlock()
}

func copyRules(rules []validation.InteractionRule) []validation.InteractionRule {
	return append([]validation.InteractionRule(nil), rules...)
}
