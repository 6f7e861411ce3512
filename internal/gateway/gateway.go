// Package gateway is the GitHub REST client shared by the dashboard's
// business logic. Every call is admitted through the runtime semaphore,
// gated on the last observed rate-limit headers, and, for GETs, served
// from the runtime cache while fresh. The gateway never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/metrics"
)

const (
	defaultBaseURL   = "https://api.github.com"
	githubAPIVersion = "2022-11-28"

	// lowWatermark is the remaining-request count below which calls
	// wait for the reset window.
	lowWatermark = 5

	resetBuffer = time.Second
	maxWait     = 5 * time.Minute

	maxBodySize = 32 << 20
)

// Config configures a Gateway.
type Config struct {
	// Tenant scopes cache entries and rate-limit state. config.Load
	// defaults it to the organization login.
	Tenant string

	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger

	// DisableCache turns off GET caching for this gateway.
	DisableCache bool

	// DefaultTTL overrides DefaultTTL.
	DefaultTTL time.Duration

	// TTLRules overrides DefaultTTLRules.
	TTLRules []TTLRule
}

// Gateway issues requests for one tenant against a shared Runtime.
type Gateway struct {
	runtime    *Runtime
	tenant     string
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	useCache   bool
	defaultTTL time.Duration
	ttlRules   []TTLRule
}

// New builds a Gateway over runtime.
func New(runtime *Runtime, cfg Config) (*Gateway, error) {
	if runtime == nil {
		return nil, errors.New("gateway: runtime is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rules := cfg.TTLRules
	if rules == nil {
		rules = DefaultTTLRules
	}

	return &Gateway{
		runtime:    runtime,
		tenant:     cfg.Tenant,
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: client,
		logger:     logger.With(zap.String("tenant", cfg.Tenant)),
		useCache:   !cfg.DisableCache,
		defaultTTL: ttl,
		ttlRules:   rules,
	}, nil
}

// Tenant returns the gateway's tenant key.
func (g *Gateway) Tenant() string { return g.tenant }

// Runtime returns the shared runtime.
func (g *Gateway) Runtime() *Runtime { return g.runtime }

type requestOptions struct {
	ttl    *time.Duration
	header http.Header
}

// RequestOption tunes a single Request.
type RequestOption func(*requestOptions)

// WithCacheTTL sets the cache TTL for this call. Zero bypasses the
// cache entirely.
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.ttl = &ttl
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// Request performs method against endpoint (a path relative to the base
// URL, query string included) and returns the JSON response body. body,
// when non-nil, is JSON encoded. Responses with no content return a nil
// message.
func (g *Gateway) Request(ctx context.Context, endpoint, method string, body any, opts ...RequestOption) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	var options requestOptions
	for _, opt := range opts {
		opt(&options)
	}

	ttl := ttlFor(g.ttlRules, g.defaultTTL, endpoint)
	if options.ttl != nil {
		ttl = *options.ttl
	}
	cacheable := method == http.MethodGet && g.useCache && ttl > 0

	if cacheable {
		if data, ok := g.runtime.cached(g.tenant, endpoint); ok {
			metrics.RecordGatewayCacheHit(g.tenant)
			g.logger.Debug("gateway cache hit", zap.String("endpoint", endpoint))
			return data, nil
		}
	}

	if err := g.runtime.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.runtime.sem.Release(1)

	if err := g.waitForRateLimit(ctx, endpoint); err != nil {
		return nil, err
	}

	data, status, err := g.dispatch(ctx, endpoint, method, body, options.header)
	metrics.RecordGatewayRequest(g.tenant, method, status, err == nil)
	if err != nil {
		return nil, err
	}

	if cacheable {
		g.runtime.store(g.tenant, endpoint, data, ttl)
	}
	return data, nil
}

func (g *Gateway) dispatch(ctx context.Context, endpoint, method string, body any, extra http.Header) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("gateway: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.url(endpoint), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	for key, values := range extra {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	g.runtime.observe(g.tenant, resp.Header)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil, resp.StatusCode, nil
		}
		return payload, resp.StatusCode, nil
	}

	return nil, resp.StatusCode, g.classify(ctx, method, endpoint, resp, payload)
}

func (g *Gateway) classify(ctx context.Context, method, endpoint string, resp *http.Response, payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return &TransportError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
		}
	}

	var wire struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	message := string(payload)
	if json.Unmarshal(payload, &wire) == nil && wire.Message != "" {
		message = wire.Message
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && isRateLimitMessage(message):
		wait := g.retryAfter(resp.Header)
		g.logger.Warn("gateway rate limited, backing off",
			zap.String("endpoint", endpoint),
			zap.Duration("wait", wait))
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		rerr := &RateLimitError{Endpoint: endpoint, Message: message}
		if state := g.runtime.RateLimit(g.tenant); state.Known() {
			rerr.Reset = state.ResetTime()
		}
		return rerr
	case resp.StatusCode == http.StatusForbidden && isDispatchEndpoint(method, endpoint) && isPermissionMessage(message):
		return &PermissionError{Endpoint: endpoint, Message: message, Remediation: DispatchRemediation}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Endpoint: endpoint, Message: message}
	default:
		return &APIError{
			Endpoint:         endpoint,
			StatusCode:       resp.StatusCode,
			Message:          message,
			DocumentationURL: wire.DocumentationURL,
		}
	}
}

// waitForRateLimit sleeps until the reset window when the last snapshot
// shows fewer than lowWatermark requests left.
func (g *Gateway) waitForRateLimit(ctx context.Context, endpoint string) error {
	state := g.runtime.RateLimit(g.tenant)
	if !state.Known() || state.Reset == 0 || state.Remaining >= lowWatermark {
		return nil
	}
	wait := state.ResetTime().Add(resetBuffer).Sub(g.runtime.clock.Now())
	if wait <= 0 {
		return nil
	}
	if wait > maxWait {
		wait = maxWait
	}
	g.logger.Info("gateway waiting for rate limit reset",
		zap.String("endpoint", endpoint),
		zap.Int("remaining", state.Remaining),
		zap.Duration("wait", wait))
	metrics.RecordRateLimitWait(g.tenant, wait)
	return g.sleep(ctx, wait)
}

// retryAfter prefers Retry-After, then the reset header, capped at
// maxWait.
func (g *Gateway) retryAfter(header http.Header) time.Duration {
	var wait time.Duration
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		wait = time.Duration(seconds) * time.Second
	} else if reset, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		wait = time.Unix(reset, 0).Add(resetBuffer).Sub(g.runtime.clock.Now())
	}
	if wait < 0 {
		wait = 0
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-g.runtime.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return g.baseURL + endpoint
}

// Preflight runs check once per key per PreflightTTL. Success and
// permission failures are remembered; any other error is returned
// without being cached so the next call probes again.
func (g *Gateway) Preflight(ctx context.Context, key string, check func(context.Context) error) error {
	if hit, err := g.runtime.preflightDecision(g.tenant, key, PreflightTTL); hit {
		return err
	}
	err := check(ctx)
	if err == nil || IsPermission(err) {
		g.runtime.recordPreflight(g.tenant, key, err)
	}
	return err
}

// Invalidate drops this tenant's cached entries under prefix.
func (g *Gateway) Invalidate(prefix string) int {
	return g.runtime.Invalidate(g.tenant, prefix)
}
