package backpressure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		want Level
	}{
		{"idle", 0.0, LevelNone},
		{"just below low", 0.69, LevelNone},
		{"low boundary", 0.7, LevelLow},
		{"low band", 0.99, LevelLow},
		{"medium boundary", 1.0, LevelMedium},
		{"medium band", 1.49, LevelMedium},
		{"high boundary", 1.5, LevelHigh},
		{"high band", 1.99, LevelHigh},
		{"critical boundary", 2.0, LevelCritical},
		{"deep critical", 5.0, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelFor(tt.r))
		})
	}
}

func TestTuningFor(t *testing.T) {
	tests := []struct {
		level    Level
		sampling float64
		batch    int
	}{
		{LevelNone, 1.0, 1},
		{LevelLow, 0.9, 5},
		{LevelMedium, 0.7, 10},
		{LevelHigh, 0.5, 20},
		{LevelCritical, 0.2, 50},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := TuningFor(tt.level)
			assert.Equal(t, tt.sampling, got.SamplingRate)
			assert.Equal(t, tt.batch, got.BatchSize)
		})
	}
}

func TestTuningMonotonic(t *testing.T) {
	// Sampling never increases and batch never shrinks as levels worsen.
	levels := []Level{LevelNone, LevelLow, LevelMedium, LevelHigh, LevelCritical}
	prev := TuningFor(levels[0])
	for _, l := range levels[1:] {
		cur := TuningFor(l)
		assert.LessOrEqual(t, cur.SamplingRate, prev.SamplingRate, "sampling at %s", l)
		assert.GreaterOrEqual(t, cur.BatchSize, prev.BatchSize, "batch at %s", l)
		prev = cur
	}
}

func TestRatiosOf(t *testing.T) {
	th := Thresholds{MaxMemoryMB: 512, MaxQueueDepth: 10000, MaxPublishRate: 5000, MaxCPUPercent: 80}
	res := Resources{MemoryMB: 256, QueueDepth: 15000, PublishRate: 2500, CPUPercent: 40}

	r := RatiosOf(res, th)
	assert.InDelta(t, 0.5, r.Memory, 1e-9)
	assert.InDelta(t, 1.5, r.Queue, 1e-9)
	assert.InDelta(t, 0.5, r.Rate, 1e-9)
	assert.InDelta(t, 0.5, r.CPU, 1e-9)
	assert.InDelta(t, 1.5, r.Max(), 1e-9)
}

func TestRatiosOfZeroThreshold(t *testing.T) {
	r := RatiosOf(Resources{MemoryMB: 100}, Thresholds{})
	assert.Zero(t, r.Memory)
	assert.Zero(t, r.Max())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "none", LevelNone.String())
	assert.Equal(t, "critical", LevelCritical.String())
	assert.Equal(t, "unknown", Level(99).String())
}
