// Package scheduler spreads outbound publishing across many per-account
// tokens so no token starves and no token exceeds its rate limits. Selection
// is weighted round-robin ("least recently and least frequently used wins"),
// admission consults the rate limiter and the backpressure controller, and
// each token carries its own circuit breaker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
)

// Event types emitted by the scheduler.
const (
	TypeJobScheduled = "scheduler.job_scheduled"
	TypeTokenCooled  = "scheduler.token_cooldown"
	TypeBreakerOpen  = "scheduler.token_breaker_open"
)

// Errors returned by scheduling.
var (
	ErrNoEligibleToken = errors.New("no eligible token for platform")
	ErrUnknownToken    = errors.New("unknown token")
)

// RateChecker is the rate-limiter surface the scheduler consults.
// *ratelimit.Limiter satisfies it.
type RateChecker interface {
	Check(ctx context.Context, token, platform, endpoint string) (ratelimit.Result, error)
}

// LoadGate is the backpressure admission surface. Dispatch is denied while
// the control plane is critically degraded, and optionally while the
// platform's publish subject breaker is open.
type LoadGate interface {
	AllowDispatch(platform string, checkBreaker bool) error
}

// Metrics receives scheduler observations; nil disables them.
type Metrics interface {
	IncScheduled(platform string)
	IncDenied(platform, reason string)
	SetEligibleTokens(platform string, n int)
}

// Config tunes the scheduler.
type Config struct {
	JitterMin time.Duration `yaml:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max"`
	// StarvationAfter is the gap past which an active token counts as
	// starved in fairness reports.
	StarvationAfter time.Duration `yaml:"starvation_after"`
}

// DefaultConfig returns the standard tuning: 30–90 min jitter, 2 h
// starvation horizon.
func DefaultConfig() Config {
	return Config{
		JitterMin:       30 * time.Minute,
		JitterMax:       90 * time.Minute,
		StarvationAfter: 2 * time.Hour,
	}
}

// ScheduleOptions modifies one scheduling call.
type ScheduleOptions struct {
	// CheckBreaker also consults the platform publish subject's circuit
	// breaker in the backpressure controller.
	CheckBreaker bool
	// JitterMin/JitterMax override the configured jitter range when both
	// are non-zero.
	JitterMin time.Duration
	JitterMax time.Duration
}

// ScheduledJob is the outcome of a successful schedule call.
type ScheduledJob struct {
	TokenID              string        `json:"tokenId"`
	Platform             string        `json:"platform"`
	Endpoint             string        `json:"endpoint"`
	QueueName            string        `json:"queueName"`
	ScheduledAt          time.Time     `json:"scheduledAt"`
	JitterMs             int64         `json:"jitterMs"`
	EstimatedExecutionAt time.Time     `json:"estimatedExecutionAt"`
	Jitter               time.Duration `json:"-"`
}

// FairnessReport is the §"no token starves" health check for one platform.
type FairnessReport struct {
	Platform             string  `json:"platform"`
	ActiveTokens         int     `json:"activeTokens"`
	EligibleTokens       int     `json:"eligibleTokens"`
	StarvedTokens        int     `json:"starvedTokens"`
	MaxStarvationMinutes float64 `json:"maxStarvationMinutes"`
	Healthy              bool    `json:"healthy"`
}

// Scheduler owns the token scheduling records for every platform.
type Scheduler struct {
	cfg     Config
	rate    RateChecker
	load    LoadGate
	emitter events.Emitter
	metrics Metrics
	logger  *log.Logger

	reg *registry

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// New creates a scheduler. Rate, load, emitter, and metrics may each be nil;
// a nil dependency skips that admission step or observation.
func New(cfg Config, rate RateChecker, load LoadGate, emitter events.Emitter, metrics Metrics) *Scheduler {
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = 30 * time.Minute
	}
	if cfg.JitterMax <= cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin + time.Hour
	}
	if cfg.StarvationAfter <= 0 {
		cfg.StarvationAfter = 2 * time.Hour
	}
	return &Scheduler{
		cfg:     cfg,
		rate:    rate,
		load:    load,
		emitter: emitter,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		reg:     newRegistry(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// RegisterToken adds or reactivates a token for a platform. Weight 0 means
// unweighted round-robin.
func (s *Scheduler) RegisterToken(tokenID, platform string, weight int) Snapshot {
	r := s.reg.upsert(tokenID, platform, weight)
	return r.Snapshot()
}

// SetActive flips a token's eligibility without forgetting its history.
func (s *Scheduler) SetActive(tokenID, platform string, active bool) error {
	r, ok := s.reg.get(tokenID, platform)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownToken, tokenID, platform)
	}
	r.mu.Lock()
	r.Active = active
	r.mu.Unlock()
	return nil
}

// Tokens returns snapshots of every record for a platform in stable order.
func (s *Scheduler) Tokens(platform string) []Snapshot {
	records := s.reg.byPlatform(platform)
	out := make([]Snapshot, 0, len(records))
	for _, r := range records {
		out = append(out, r.Snapshot())
	}
	return out
}

// NextToken picks the eligible token minimizing (lastScheduledAt,
// totalJobsScheduled) lexicographically, transactionally stamping
// lastScheduledAt and the scheduled counter. When weights are set, the
// scheduled counter is divided by the weight so heavier tokens win more
// selections per round. Returns ErrNoEligibleToken when nothing qualifies.
func (s *Scheduler) NextToken(platform string) (Snapshot, error) {
	now := s.now()
	records := s.reg.byPlatform(platform)

	var best *Record
	var bestLast time.Time
	var bestCount float64
	eligible := 0

	for _, r := range records {
		r.mu.Lock()
		if !r.eligibleLocked(now) {
			r.mu.Unlock()
			continue
		}
		eligible++
		count := float64(r.TotalScheduled)
		if r.Weight > 1 {
			count /= float64(r.Weight)
		}
		last := r.LastScheduledAt
		r.mu.Unlock()

		if best == nil || last.Before(bestLast) || (last.Equal(bestLast) && count < bestCount) {
			best, bestLast, bestCount = r, last, count
		}
	}

	if s.metrics != nil {
		s.metrics.SetEligibleTokens(platform, eligible)
	}
	if best == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoEligibleToken, platform)
	}

	best.mu.Lock()
	// Re-check under the lock: another selector may have opened the
	// breaker or scheduled this token since the scan.
	if !best.eligibleLocked(now) {
		best.mu.Unlock()
		return s.NextToken(platform)
	}
	best.LastScheduledAt = now
	best.TotalScheduled++
	snap := best.snapshotLocked()
	best.mu.Unlock()
	return snap, nil
}

// Schedule admits one outbound job on an already-selected token: load gate
// first, then rate limiter. A rate-limit denial cools the token down for
// the retry-after interval and returns (nil, nil) — denial is an outcome,
// not an error.
func (s *Scheduler) Schedule(ctx context.Context, tokenID, platform, endpoint string, opts ScheduleOptions) (*ScheduledJob, error) {
	r, ok := s.reg.get(tokenID, platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownToken, tokenID, platform)
	}

	if s.load != nil {
		if err := s.load.AllowDispatch(platform, opts.CheckBreaker); err != nil {
			if s.metrics != nil {
				s.metrics.IncDenied(platform, "load")
			}
			return nil, nil
		}
	}

	if s.rate != nil {
		res, err := s.rate.Check(ctx, tokenID, platform, endpoint)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !res.Allowed {
			cooldown := time.Duration(res.RetryAfterSeconds) * time.Second
			now := s.now()
			r.mu.Lock()
			r.CooldownUntil = now.Add(cooldown)
			r.mu.Unlock()

			if s.metrics != nil {
				s.metrics.IncDenied(platform, "rate_limit")
			}
			if s.emitter != nil {
				s.emitter.Emit(TypeTokenCooled, "scheduler", platform, map[string]interface{}{
					"tokenId":           tokenID,
					"tier":              res.Tier,
					"retryAfterSeconds": res.RetryAfterSeconds,
				})
			}
			s.logger.Printf("token %s/%s rate limited on %s tier, cooling down %s", tokenID, platform, res.Tier, cooldown)
			return nil, nil
		}
	}

	now := s.now()
	jitter := s.jitter(opts)
	job := &ScheduledJob{
		TokenID:              tokenID,
		Platform:             platform,
		Endpoint:             endpoint,
		QueueName:            fmt.Sprintf("publish:%s:%s", platform, tokenID),
		ScheduledAt:          now,
		Jitter:               jitter,
		JitterMs:             jitter.Milliseconds(),
		EstimatedExecutionAt: now.Add(jitter),
	}

	if s.metrics != nil {
		s.metrics.IncScheduled(platform)
	}
	if s.emitter != nil {
		s.emitter.Emit(TypeJobScheduled, "scheduler", platform, map[string]interface{}{
			"tokenId":   tokenID,
			"queueName": job.QueueName,
			"jitterMs":  job.JitterMs,
		})
	}
	return job, nil
}

// RecordSuccess reports a completed job, feeding the moving completion
// average and walking the token breaker toward closed.
func (s *Scheduler) RecordSuccess(tokenID, platform string, durationMs float64) error {
	r, ok := s.reg.get(tokenID, platform)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownToken, tokenID, platform)
	}
	r.mu.Lock()
	r.recordSuccessLocked(durationMs)
	r.mu.Unlock()
	return nil
}

// RecordFailure reports a failed job. Five accumulated failures (or one in
// half_open) open the token breaker for five minutes.
func (s *Scheduler) RecordFailure(tokenID, platform string, cause error) error {
	r, ok := s.reg.get(tokenID, platform)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownToken, tokenID, platform)
	}
	now := s.now()
	r.mu.Lock()
	before := r.BreakerState
	r.recordFailureLocked(now)
	after := r.BreakerState
	r.mu.Unlock()

	if before != BreakerOpen && after == BreakerOpen {
		s.logger.Printf("token breaker opened: %s/%s (cause: %v)", tokenID, platform, cause)
		if s.emitter != nil {
			s.emitter.Emit(TypeBreakerOpen, "scheduler", platform, map[string]interface{}{
				"tokenId": tokenID,
				"cause":   fmt.Sprint(cause),
			})
		}
	}
	return nil
}

// CheckFairness reports starvation for a platform: active tokens not
// selected within the starvation horizon, and the worst gap in minutes.
func (s *Scheduler) CheckFairness(platform string) FairnessReport {
	now := s.now()
	report := FairnessReport{Platform: platform}

	for _, r := range s.reg.byPlatform(platform) {
		r.mu.Lock()
		active := r.Active
		last := r.LastScheduledAt
		eligible := r.eligibleLocked(now)
		r.mu.Unlock()

		if !active {
			continue
		}
		report.ActiveTokens++
		if eligible {
			report.EligibleTokens++
		}
		if last.IsZero() {
			// Never scheduled: starved only once the scheduler has been
			// running past the horizon is unknowable here, so count it.
			report.StarvedTokens++
			continue
		}
		gap := now.Sub(last)
		if gap > s.cfg.StarvationAfter {
			report.StarvedTokens++
		}
		if mins := gap.Minutes(); mins > report.MaxStarvationMinutes {
			report.MaxStarvationMinutes = mins
		}
	}

	report.Healthy = report.StarvedTokens == 0 && report.MaxStarvationMinutes < s.cfg.StarvationAfter.Minutes()
	return report
}

// jitter draws a uniform delay in the configured (or overridden) range.
func (s *Scheduler) jitter(opts ScheduleOptions) time.Duration {
	min, max := s.cfg.JitterMin, s.cfg.JitterMax
	if opts.JitterMin > 0 && opts.JitterMax > opts.JitterMin {
		min, max = opts.JitterMin, opts.JitterMax
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}
