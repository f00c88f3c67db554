package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() *StaticRules {
	return NewStaticRules().
		Set("instagram", "", Limits{Burst: 3, Minute: 10, Hour: 100, Day: 500}).
		Set("instagram", "post", Limits{Burst: 2, Minute: 5}).
		Set("tiktok", "", Limits{Minute: 1})
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)

	res, err := l.Check(context.Background(), "tok1", "instagram", "story")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	// burst 3 with one recorded: 3-0-1 = 2 is the tightest tier.
	assert.Equal(t, 2, res.Remaining)
}

func TestCheckDeniesOnBurstTier(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "tok1", "instagram", "post")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, "tok1", "instagram", "post")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, TierBurst, res.Tier)
	assert.GreaterOrEqual(t, res.RetryAfterSeconds, 1)
	assert.LessOrEqual(t, res.RetryAfterSeconds, 10)
}

func TestEndpointOverrideFallsBackToPlatform(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)

	// "story" has no explicit rule: platform default (burst 3) applies.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "tok1", "instagram", "story")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Check(ctx, "tok1", "instagram", "story")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestUnknownPlatformUnlimited(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)

	for i := 0; i < 50; i++ {
		res, err := l.Check(context.Background(), "tok1", "unknown", "x")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)
	ctx := context.Background()

	res, err := l.Check(ctx, "a", "tiktok", "post")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "a", "tiktok", "post")
	require.NoError(t, err)
	require.False(t, res.Allowed, "minute limit 1 exhausted for token a")

	res, err = l.Check(ctx, "b", "tiktok", "post")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "token b has its own window")
}

func TestSlidingWindowEviction(t *testing.T) {
	store := NewMemoryStore()
	tiers := []Tier{{Name: TierBurst, Window: 50 * time.Millisecond, Limit: 1}}
	ctx := context.Background()

	d, err := store.Admit(ctx, "k", tiers, time.Now(), "r1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.Admit(ctx, "k", tiers, time.Now(), "r2")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Entry leaves the window; capacity returns.
	d, err = store.Admit(ctx, "k", tiers, time.Now().Add(60*time.Millisecond), "r3")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNoPartialRecordOnDenial(t *testing.T) {
	store := NewMemoryStore()
	tiers := []Tier{
		{Name: TierBurst, Window: time.Minute, Limit: 10},
		{Name: TierMinute, Window: time.Minute, Limit: 1},
	}
	ctx := context.Background()
	now := time.Now()

	_, err := store.Admit(ctx, "k", tiers, now, "r1")
	require.NoError(t, err)
	d, err := store.Admit(ctx, "k", tiers, now, "r2")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, TierMinute, d.DeniedTier)

	// The denied attempt must not have recorded into the burst tier either.
	usage, err := store.Usage(ctx, "k", tiers, now)
	require.NoError(t, err)
	assert.Equal(t, 1, usage[TierBurst])
	assert.Equal(t, 1, usage[TierMinute])
}

func TestReset(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)
	ctx := context.Background()

	res, err := l.Check(ctx, "tok", "tiktok", "post")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "tok", "tiktok", "post")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	n, err := l.Reset(ctx, "tok", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = l.Check(ctx, "tok", "tiktok", "post")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestResetDoesNotMatchTokenPrefix(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Check(ctx, "tok", "tiktok", "post")
	require.NoError(t, err)
	_, err = l.Check(ctx, "tok2", "tiktok", "post")
	require.NoError(t, err)

	n, err := l.Reset(ctx, "tok", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tok must not clear tok2")
}

type failingStore struct{}

func (failingStore) Admit(context.Context, string, []Tier, time.Time, string) (Decision, error) {
	return Decision{}, errors.New("store down")
}
func (failingStore) Usage(context.Context, string, []Tier, time.Time) (map[string]int, error) {
	return nil, errors.New("store down")
}
func (failingStore) Reset(context.Context, string) (int, error) {
	return 0, errors.New("store down")
}

type countingMetrics struct {
	mu          sync.Mutex
	hits        int
	storeErrors int
}

func (m *countingMetrics) IncHit(_, _, _ string) { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *countingMetrics) IncAllowed(_, _ string) {}
func (m *countingMetrics) IncStoreError()         { m.mu.Lock(); m.storeErrors++; m.mu.Unlock() }

func TestFailOpenOnStoreError(t *testing.T) {
	metrics := &countingMetrics{}
	l := NewLimiter(testRules(), failingStore{}, metrics)

	res, err := l.Check(context.Background(), "tok", "instagram", "post")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)
	assert.Equal(t, 1, metrics.storeErrors)
}

func TestUsage(t *testing.T) {
	l := NewLimiter(testRules(), NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "tok", "instagram", "post")
		require.NoError(t, err)
	}

	usage, err := l.Usage(ctx, "tok", "instagram", "post")
	require.NoError(t, err)
	assert.Equal(t, 2, usage[TierBurst])
	assert.Equal(t, 2, usage[TierMinute])
}
