package gateway

import (
	"strings"
	"time"
)

const (
	// DefaultTTL applies to cacheable GETs without a matching rule.
	DefaultTTL = 60 * time.Second

	// PreflightTTL bounds how long a permission pre-flight decision is
	// reused.
	PreflightTTL = 5 * time.Minute
)

// TTLRule overrides the cache TTL for endpoints containing Fragment.
type TTLRule struct {
	Fragment string
	TTL      time.Duration
}

// DefaultTTLRules are checked in order; the first match wins.
var DefaultTTLRules = []TTLRule{
	// Artifact downloads are immutable once uploaded.
	{Fragment: "/actions/artifacts/", TTL: 300 * time.Second},
	// Run lists change as soon as a scan is dispatched.
	{Fragment: "/actions/runs", TTL: 15 * time.Second},
	{Fragment: "/runs", TTL: 15 * time.Second},
	// Permission probes back the pre-flight check.
	{Fragment: "/permission", TTL: PreflightTTL},
}

func ttlFor(rules []TTLRule, fallback time.Duration, endpoint string) time.Duration {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, rule := range rules {
		if rule.Fragment != "" && strings.Contains(path, rule.Fragment) {
			return rule.TTL
		}
	}
	return fallback
}
