package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
)

type fakeRate struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (f *fakeRate) Check(_ context.Context, _, _, _ string) (ratelimit.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeGate struct {
	deny bool
}

func (f *fakeGate) AllowDispatch(string, bool) error {
	if f.deny {
		return errors.New("critical load")
	}
	return nil
}

func newTestScheduler(rate RateChecker, gate LoadGate) *Scheduler {
	cfg := DefaultConfig()
	cfg.JitterMin = time.Millisecond
	cfg.JitterMax = 2 * time.Millisecond
	return New(cfg, rate, gate, nil, nil)
}

func TestNextTokenRoundRobin(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "instagram", 0)
	s.RegisterToken("tok_b", "instagram", 0)
	s.RegisterToken("tok_c", "instagram", 0)

	// Control the clock so lastScheduledAt strictly orders selections.
	now := time.Now()
	s.now = func() time.Time { now = now.Add(time.Second); return now }

	var order []string
	for i := 0; i < 6; i++ {
		snap, err := s.NextToken("instagram")
		require.NoError(t, err)
		order = append(order, snap.TokenID)
	}

	// Never-scheduled tokens go first in stable token order, then strict
	// rotation: every token is selected exactly twice.
	assert.Equal(t, []string{"tok_a", "tok_b", "tok_c", "tok_a", "tok_b", "tok_c"}, order)
}

func TestNextTokenSkipsIneligible(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "tiktok", 0)
	s.RegisterToken("tok_b", "tiktok", 0)
	require.NoError(t, s.SetActive("tok_a", "tiktok", false))

	for i := 0; i < 3; i++ {
		snap, err := s.NextToken("tiktok")
		require.NoError(t, err)
		assert.Equal(t, "tok_b", snap.TokenID)
	}
}

func TestNextTokenNoneEligible(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "reddit", 0)
	require.NoError(t, s.SetActive("tok_a", "reddit", false))

	_, err := s.NextToken("reddit")
	assert.ErrorIs(t, err, ErrNoEligibleToken)
}

func TestScheduleProducesJob(t *testing.T) {
	rate := &fakeRate{result: ratelimit.Result{Allowed: true, Remaining: 4}}
	s := newTestScheduler(rate, &fakeGate{})
	s.RegisterToken("tok_a", "instagram", 0)

	job, err := s.Schedule(context.Background(), "tok_a", "instagram", "post", ScheduleOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "publish:instagram:tok_a", job.QueueName)
	assert.GreaterOrEqual(t, job.JitterMs, int64(1))
	assert.Equal(t, job.ScheduledAt.Add(job.Jitter), job.EstimatedExecutionAt)
	assert.Equal(t, 1, rate.calls)
}

func TestScheduleRateDeniedCoolsToken(t *testing.T) {
	rate := &fakeRate{result: ratelimit.Result{Allowed: false, RetryAfterSeconds: 42, Tier: "minute"}}
	s := newTestScheduler(rate, nil)
	s.RegisterToken("tok_a", "instagram", 0)

	job, err := s.Schedule(context.Background(), "tok_a", "instagram", "post", ScheduleOptions{})
	require.NoError(t, err)
	assert.Nil(t, job)

	snap := s.Tokens("instagram")[0]
	require.NotNil(t, snap.CooldownUntil)
	assert.WithinDuration(t, time.Now().Add(42*time.Second), *snap.CooldownUntil, 2*time.Second)

	// Cooled-down token is no longer selectable.
	_, err = s.NextToken("instagram")
	assert.ErrorIs(t, err, ErrNoEligibleToken)
}

func TestScheduleLoadDenied(t *testing.T) {
	rate := &fakeRate{result: ratelimit.Result{Allowed: true}}
	s := newTestScheduler(rate, &fakeGate{deny: true})
	s.RegisterToken("tok_a", "instagram", 0)

	job, err := s.Schedule(context.Background(), "tok_a", "instagram", "post", ScheduleOptions{})
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Zero(t, rate.calls, "rate limiter is not consulted when load admission denies")
}

func TestBreakerCycle(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "instagram", 0)

	start := time.Now()
	now := start
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordFailure("tok_a", "instagram", errors.New("api 500")))
	}

	snap := s.Tokens("instagram")[0]
	assert.Equal(t, BreakerOpen, snap.BreakerState)
	require.NotNil(t, snap.CooldownUntil)
	assert.Equal(t, start.Add(5*time.Minute), *snap.CooldownUntil)

	// Open breaker blocks selection.
	_, err := s.NextToken("instagram")
	assert.ErrorIs(t, err, ErrNoEligibleToken)

	// Past the cooldown, one success walks open → half_open → toward
	// closed; the counter decays rather than resetting.
	now = start.Add(5*time.Minute + time.Second)
	require.NoError(t, s.RecordSuccess("tok_a", "instagram", 120))

	snap = s.Tokens("instagram")[0]
	assert.NotEqual(t, BreakerOpen, snap.BreakerState)
	assert.Equal(t, 4, snap.BreakerFailures)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordSuccess("tok_a", "instagram", 120))
	}
	snap = s.Tokens("instagram")[0]
	assert.Equal(t, BreakerClosed, snap.BreakerState)
	assert.Zero(t, snap.BreakerFailures)
	assert.Nil(t, snap.CooldownUntil)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "instagram", 0)

	start := time.Now()
	now := start
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordFailure("tok_a", "instagram", errors.New("boom")))
	}

	// Past cooldown the eligibility probe moves the breaker to half_open.
	now = start.Add(6 * time.Minute)
	snap, err := s.NextToken("instagram")
	require.NoError(t, err)
	assert.Equal(t, BreakerHalfOpen, snap.BreakerState)

	// A failure in half_open re-opens with a fresh cooldown.
	require.NoError(t, s.RecordFailure("tok_a", "instagram", errors.New("boom")))
	snap = s.Tokens("instagram")[0]
	assert.Equal(t, BreakerOpen, snap.BreakerState)
	require.NotNil(t, snap.CooldownUntil)
	assert.Equal(t, now.Add(5*time.Minute), *snap.CooldownUntil)
}

func TestCheckFairness(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_a", "instagram", 0)
	s.RegisterToken("tok_b", "instagram", 0)

	now := time.Now()
	s.now = func() time.Time { return now }

	// tok_a scheduled recently, tok_b three hours ago.
	ra, _ := s.reg.get("tok_a", "instagram")
	ra.mu.Lock()
	ra.LastScheduledAt = now.Add(-time.Minute)
	ra.mu.Unlock()
	rb, _ := s.reg.get("tok_b", "instagram")
	rb.mu.Lock()
	rb.LastScheduledAt = now.Add(-3 * time.Hour)
	rb.mu.Unlock()

	report := s.CheckFairness("instagram")
	assert.Equal(t, 2, report.ActiveTokens)
	assert.Equal(t, 1, report.StarvedTokens)
	assert.InDelta(t, 180, report.MaxStarvationMinutes, 1)
	assert.False(t, report.Healthy)
}

func TestWeightedSelection(t *testing.T) {
	s := newTestScheduler(nil, nil)
	s.RegisterToken("tok_heavy", "x", 3)
	s.RegisterToken("tok_light", "x", 1)

	// Identical lastScheduledAt forces the weighted-count tie break.
	now := time.Now()
	s.now = func() time.Time { return now }

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		snap, err := s.NextToken("x")
		require.NoError(t, err)
		counts[snap.TokenID]++
	}
	assert.Greater(t, counts["tok_heavy"], counts["tok_light"])
}
