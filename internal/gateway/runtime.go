package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/metrics"
)

// DefaultConcurrency is the number of requests a Runtime admits at once.
const DefaultConcurrency = 5

// CacheEntry is a cached GET response body.
type CacheEntry struct {
	Data      []byte
	FetchedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at now. An entry is still
// fresh at exactly FetchedAt+TTL.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.FetchedAt) > e.TTL
}

// RateLimitState is the latest rate-limit header snapshot for a tenant.
type RateLimitState struct {
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	Reset       int64     `json:"reset"`
	LastUpdated time.Time `json:"last_updated"`
}

// Known reports whether any response has populated the state.
func (s RateLimitState) Known() bool {
	return !s.LastUpdated.IsZero()
}

// ResetTime converts Reset to a time.
func (s RateLimitState) ResetTime() time.Time {
	return time.Unix(s.Reset, 0).UTC()
}

type cacheKey struct {
	tenant   string
	endpoint string
}

type preflightEntry struct {
	err       error
	checkedAt time.Time
}

// Runtime holds the state every Gateway for a process shares: the
// response cache, the per-tenant rate-limit snapshot, the admission
// semaphore and the pre-flight decision cache. Construct one at the
// composition root and hand it to each Gateway.
type Runtime struct {
	clock clock.Clock
	sem   *semaphore.Weighted
	limit int64

	mu        sync.Mutex
	cache     map[cacheKey]CacheEntry
	rates     map[string]RateLimitState
	preflight map[cacheKey]preflightEntry
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithClock overrides the runtime clock.
func WithClock(c clock.Clock) RuntimeOption {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithConcurrency sets the admission semaphore capacity.
func WithConcurrency(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.limit = int64(n)
		}
	}
}

// NewRuntime builds an isolated runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		clock:     clock.Real(),
		limit:     DefaultConcurrency,
		cache:     make(map[cacheKey]CacheEntry),
		rates:     make(map[string]RateLimitState),
		preflight: make(map[cacheKey]preflightEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(r.limit)
	return r
}

// Concurrency returns the semaphore capacity.
func (r *Runtime) Concurrency() int {
	return int(r.limit)
}

// RateLimit returns the current snapshot for tenant.
func (r *Runtime) RateLimit(tenant string) RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rates[tenant]
}

// RateLimits returns a copy of every tenant's snapshot.
func (r *Runtime) RateLimits() map[string]RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RateLimitState, len(r.rates))
	for tenant, state := range r.rates {
		out[tenant] = state
	}
	return out
}

// SetRateLimit overwrites the snapshot for tenant.
func (r *Runtime) SetRateLimit(tenant string, state RateLimitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state.LastUpdated.IsZero() {
		state.LastUpdated = r.clock.Now()
	}
	r.rates[tenant] = state
}

// Invalidate drops cached entries for tenant whose endpoint starts with
// prefix. An empty prefix clears the tenant.
func (r *Runtime) Invalidate(tenant, prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.cache {
		if key.tenant == tenant && strings.HasPrefix(key.endpoint, prefix) {
			delete(r.cache, key)
			removed++
		}
	}
	return removed
}

// CacheSize returns the number of cached entries across tenants.
func (r *Runtime) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Runtime) cached(tenant, endpoint string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey{tenant: tenant, endpoint: endpoint}
	entry, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(r.clock.Now()) {
		delete(r.cache, key)
		return nil, false
	}
	return entry.Data, true
}

func (r *Runtime) store(tenant, endpoint string, data []byte, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[cacheKey{tenant: tenant, endpoint: endpoint}] = CacheEntry{
		Data:      data,
		FetchedAt: r.clock.Now(),
		TTL:       ttl,
	}
}

// observe records rate-limit headers from any response. Responses
// without the full header set leave the state untouched.
func (r *Runtime) observe(tenant string, header http.Header) {
	if header == nil {
		return
	}
	remaining, errRemaining := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	reset, errReset := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if errRemaining != nil || errReset != nil {
		return
	}
	limit, _ := strconv.Atoi(header.Get("X-RateLimit-Limit"))

	r.mu.Lock()
	r.rates[tenant] = RateLimitState{
		Remaining:   remaining,
		Limit:       limit,
		Reset:       reset,
		LastUpdated: r.clock.Now(),
	}
	r.mu.Unlock()
	metrics.SetRateLimitRemaining(tenant, remaining)
}

func (r *Runtime) preflightDecision(tenant, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := cacheKey{tenant: tenant, endpoint: key}
	entry, ok := r.preflight[k]
	if !ok {
		return false, nil
	}
	if r.clock.Now().Sub(entry.checkedAt) > ttl {
		delete(r.preflight, k)
		return false, nil
	}
	return true, entry.err
}

func (r *Runtime) recordPreflight(tenant, key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preflight[cacheKey{tenant: tenant, endpoint: key}] = preflightEntry{err: err, checkedAt: r.clock.Now()}
}
