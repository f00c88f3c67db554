package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryDelay:    50 * time.Millisecond,
		MaxBackoff:       time.Second,
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b := New("subject.a", testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := New("subject.a", testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestHalfOpenProbe(t *testing.T) {
	b := New("subject.a", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow(), "recovery delay elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenFailureBacksOff(t *testing.T) {
	b := New("subject.a", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// Cooldown doubled to 100ms: the original window no longer suffices.
	time.Sleep(60 * time.Millisecond)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, b.Allow())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New("subject.a", cfg)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	_ = b.Allow()
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestManagerGetAndOpenKeys(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("subject.a")
	assert.Same(t, a, m.Get("subject.a"))

	for i := 0; i < 5; i++ {
		m.Get("subject.b").RecordFailure()
	}

	assert.Equal(t, []string{"subject.b"}, m.OpenKeys())

	_, ok := m.Peek("never.seen")
	assert.False(t, ok)
	_, ok = m.Peek("subject.a")
	assert.True(t, ok)
}

func TestSnapshots(t *testing.T) {
	m := NewManager(testConfig())
	m.Get("x").RecordFailure()

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, StateClosed, snaps["x"].State)
	assert.Equal(t, 1, snaps["x"].Failures)
	assert.Equal(t, "x", snaps["x"].Name)
}
