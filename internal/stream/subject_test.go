package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"kpi.metrics.>", "kpi.metrics.alice.high", true},
		{"kpi.metrics.>", "kpi.metrics", false},
		{"kpi.metrics.*.critical", "kpi.metrics.bob.critical", true},
		{"kpi.metrics.*.critical", "kpi.metrics.bob.low", false},
		{"kpi.metrics.*.critical", "kpi.metrics.a.b.critical", false},
		{"kpi.deadletter", "kpi.deadletter", true},
		{"kpi.deadletter", "kpi.deadletter.x", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchSubject(c.pattern, c.subject), "%s vs %s", c.pattern, c.subject)
	}
}

func TestMetricSubjectSanitizes(t *testing.T) {
	assert.Equal(t, "kpi.metrics.alice_b.high", MetricSubject("Alice B", "high"))
	assert.Equal(t, "kpi.metrics.unknown.normal", MetricSubject("!!!", ""))
}

func TestNormalizeFillsDefaults(t *testing.T) {
	e := &MetricEvent{ModelName: "alice", MetricName: "likes", Value: 1, Source: "test"}
	e.Normalize()

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, ValueGauge, e.ValueKind)
	assert.Equal(t, "medium", e.Priority)
}

func TestValidateRejectsBadEvents(t *testing.T) {
	base := func() *MetricEvent {
		e := &MetricEvent{ModelName: "alice", MetricName: "likes", Value: 1, Source: "test"}
		e.Normalize()
		return e
	}

	e := base()
	require.NoError(t, e.Validate())

	e = base()
	e.ModelName = ""
	assert.ErrorIs(t, e.Validate(), ErrMissingModelName)

	e = base()
	e.MetricName = "has spaces"
	assert.ErrorIs(t, e.Validate(), ErrInvalidMetricName)

	e = base()
	e.Value = -3
	assert.ErrorIs(t, e.Validate(), ErrInvalidValue)

	e = base()
	e.Source = ""
	assert.ErrorIs(t, e.Validate(), ErrMissingSource)
}
