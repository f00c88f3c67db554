// Package ratelimit enforces per-token publishing quotas with sliding
// windows over four tiers: burst, minute, hour, day. Admission checks and
// recording are atomic per (token, platform, endpoint) key; infrastructure
// faults fail open so the scheduler's breakers remain the safety net.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// Tier names, evaluated strictly in this order.
const (
	TierBurst  = "burst"
	TierMinute = "minute"
	TierHour   = "hour"
	TierDay    = "day"
)

// Tier is one sliding window: a name, its width, and its limit.
type Tier struct {
	Name   string        `json:"name" yaml:"name"`
	Window time.Duration `json:"window" yaml:"window"`
	Limit  int           `json:"limit" yaml:"limit"`
}

// Limits configures the four tiers for one platform/endpoint pair.
// A zero value means the tier is not configured and never denies.
type Limits struct {
	Burst  int `json:"burst" yaml:"burst"`
	Minute int `json:"minute" yaml:"minute"`
	Hour   int `json:"hour" yaml:"hour"`
	Day    int `json:"day" yaml:"day"`
}

// Tiers expands the configured limits into ordered tiers, skipping
// unconfigured ones.
func (l Limits) Tiers() []Tier {
	var tiers []Tier
	if l.Burst > 0 {
		tiers = append(tiers, Tier{Name: TierBurst, Window: 10 * time.Second, Limit: l.Burst})
	}
	if l.Minute > 0 {
		tiers = append(tiers, Tier{Name: TierMinute, Window: time.Minute, Limit: l.Minute})
	}
	if l.Hour > 0 {
		tiers = append(tiers, Tier{Name: TierHour, Window: time.Hour, Limit: l.Hour})
	}
	if l.Day > 0 {
		tiers = append(tiers, Tier{Name: TierDay, Window: 24 * time.Hour, Limit: l.Day})
	}
	return tiers
}

// RuleProvider resolves the limits that apply to a platform/endpoint pair.
type RuleProvider interface {
	LimitsFor(platform, endpoint string) (Limits, bool)
}

// StaticRules is an in-memory RuleProvider with per-endpoint overrides and
// per-platform defaults. The empty endpoint key holds the platform default.
type StaticRules struct {
	rules map[string]Limits
}

// NewStaticRules builds a provider from explicit entries.
func NewStaticRules() *StaticRules {
	return &StaticRules{rules: make(map[string]Limits)}
}

// Set registers limits for a platform/endpoint pair. An empty endpoint sets
// the platform-wide default.
func (s *StaticRules) Set(platform, endpoint string, l Limits) *StaticRules {
	s.rules[platform+"|"+endpoint] = l
	return s
}

// LimitsFor implements RuleProvider.
func (s *StaticRules) LimitsFor(platform, endpoint string) (Limits, bool) {
	if l, ok := s.rules[platform+"|"+endpoint]; ok {
		return l, true
	}
	l, ok := s.rules[platform+"|"]
	return l, ok
}

// Decision is the outcome of one atomic admission attempt.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
	DeniedTier string        `json:"deniedTier,omitempty"`
}

// RetryAfterSeconds rounds the retry delay up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// WindowStore performs atomic multi-tier admission for a key. Eviction,
// counting, denial, and recording happen in one step per key; a partial
// record across tiers must be impossible.
type WindowStore interface {
	Admit(ctx context.Context, key string, tiers []Tier, now time.Time, requestID string) (Decision, error)
	Usage(ctx context.Context, key string, tiers []Tier, now time.Time) (map[string]int, error)
	Reset(ctx context.Context, keyPrefix string) (int, error)
}

// Metrics receives limiter observations; a nil Metrics disables them.
type Metrics interface {
	IncHit(platform, endpoint, tier string)
	IncAllowed(platform, endpoint string)
	IncStoreError()
}

// Result is the limiter's answer for one call.
type Result struct {
	Allowed           bool   `json:"allowed"`
	Remaining         int    `json:"remaining"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Tier              string `json:"tier,omitempty"`
	FailedOpen        bool   `json:"failedOpen,omitempty"`
}

// Limiter coordinates rule lookup, window admission, and failure policy.
type Limiter struct {
	rules   RuleProvider
	store   WindowStore
	metrics Metrics
	logger  *log.Logger

	requestSeq func() string
}

// NewLimiter creates a limiter. Metrics may be nil.
func NewLimiter(rules RuleProvider, store WindowStore, metrics Metrics) *Limiter {
	seq := newRequestSeq()
	return &Limiter{
		rules:      rules,
		store:      store,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		requestSeq: seq,
	}
}

// Key builds the window-store key for a token/platform/endpoint triple.
func Key(token, platform, endpoint string) string {
	return fmt.Sprintf("rl:%s:%s:%s", token, platform, endpoint)
}

// Check runs admission across all configured tiers in order. A key with no
// configured limits is always allowed. Store failures allow the request and
// bump the error counter.
func (l *Limiter) Check(ctx context.Context, token, platform, endpoint string) (Result, error) {
	limits, ok := l.rules.LimitsFor(platform, endpoint)
	if !ok {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	tiers := limits.Tiers()
	if len(tiers) == 0 {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	d, err := l.store.Admit(ctx, Key(token, platform, endpoint), tiers, time.Now(), l.requestSeq())
	if err != nil {
		// Fail open: infrastructure faults must not block publishing.
		l.logger.Printf("⚠️ window store error, failing open: %v", err)
		if l.metrics != nil {
			l.metrics.IncStoreError()
		}
		return Result{Allowed: true, Remaining: -1, FailedOpen: true}, nil
	}

	if !d.Allowed {
		if l.metrics != nil {
			l.metrics.IncHit(platform, endpoint, d.DeniedTier)
		}
		return Result{
			Allowed:           false,
			RetryAfterSeconds: d.RetryAfterSeconds(),
			Tier:              d.DeniedTier,
		}, nil
	}

	if l.metrics != nil {
		l.metrics.IncAllowed(platform, endpoint)
	}
	return Result{Allowed: true, Remaining: d.Remaining}, nil
}

// Usage reports current per-tier counts without recording anything.
func (l *Limiter) Usage(ctx context.Context, token, platform, endpoint string) (map[string]int, error) {
	limits, ok := l.rules.LimitsFor(platform, endpoint)
	if !ok {
		return map[string]int{}, nil
	}
	return l.store.Usage(ctx, Key(token, platform, endpoint), limits.Tiers(), time.Now())
}

// Reset clears recorded windows for a token, optionally narrowed by
// platform and endpoint. Returns the number of cleared windows.
func (l *Limiter) Reset(ctx context.Context, token, platform, endpoint string) (int, error) {
	parts := []string{"rl", token}
	if platform != "" {
		parts = append(parts, platform)
		if endpoint != "" {
			parts = append(parts, endpoint)
			return l.store.Reset(ctx, strings.Join(parts, ":"))
		}
	}
	// Partial scopes keep the trailing separator so "tok" cannot match "tok2".
	return l.store.Reset(ctx, strings.Join(parts, ":")+":")
}

// newRequestSeq returns a generator of monotonic per-process request IDs.
func newRequestSeq() func() string {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n.Add(1))
	}
}
