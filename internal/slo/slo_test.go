package slo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e := NewEvaluator(NewMemoryStore(), nil, nil)
	require.NoError(t, e.RegisterConfig(Config{
		Name:        "ingestion_success",
		Service:     "gateway",
		TargetPct:   99.0,
		WarningPct:  98.0,
		CriticalPct: 95.0,
	}))
	return e
}

func TestRecordComputesMeasurement(t *testing.T) {
	e := testEvaluator(t)

	m, err := e.Record("ingestion_success", "gateway", 995, 1000, 300)
	require.NoError(t, err)
	assert.InDelta(t, 99.5, m.ActualPct, 1e-9)
	// budget = actual - (100 - target) = 99.5 - 1 = 98.5
	assert.InDelta(t, 98.5, m.ErrorBudgetRemaining, 1e-9)
	assert.False(t, m.Breach)
	assert.Equal(t, SeverityNone, m.Severity)
}

func TestRecordSeverityBands(t *testing.T) {
	e := testEvaluator(t)

	tests := []struct {
		name     string
		success  int64
		severity string
		breach   bool
	}{
		{"healthy", 999, SeverityNone, false},
		{"breach without severity", 985, SeverityNone, true},
		{"warning", 975, SeverityWarning, true},
		{"critical", 940, SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := e.Record("ingestion_success", "gateway", tt.success, 1000, 60)
			require.NoError(t, err)
			assert.Equal(t, tt.severity, m.Severity)
			assert.Equal(t, tt.breach, m.Breach)
		})
	}
}

func TestRecordEmptyWindowIsPerfect(t *testing.T) {
	e := testEvaluator(t)

	m, err := e.Record("ingestion_success", "gateway", 0, 0, 60)
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.ActualPct)
	assert.False(t, m.Breach)
}

func TestRecordUnknownMetric(t *testing.T) {
	e := testEvaluator(t)
	_, err := e.Record("nope", "gateway", 1, 1, 60)
	assert.Error(t, err)
}

func TestStatusAggregates(t *testing.T) {
	e := testEvaluator(t)

	_, err := e.Record("ingestion_success", "gateway", 999, 1000, 60)
	require.NoError(t, err)
	_, err = e.Record("ingestion_success", "gateway", 940, 1000, 60)
	require.NoError(t, err)
	_, err = e.Record("ingestion_success", "gateway", 975, 1000, 60)
	require.NoError(t, err)

	report, err := e.Status("gateway")
	require.NoError(t, err)
	require.Len(t, report.Latest, 1)
	assert.Equal(t, SeverityWarning, report.Latest[0].Severity)
	assert.Equal(t, 3, report.Aggregates.Measurements)
	assert.Equal(t, 2, report.Aggregates.Breaches)
	assert.Equal(t, 1, report.Aggregates.Critical)
	assert.Equal(t, 1, report.Aggregates.Warning)

	report, err = e.Status("other-service")
	require.NoError(t, err)
	assert.Empty(t, report.Latest)
}

func TestBurnRate(t *testing.T) {
	e := testEvaluator(t)

	// Error rate 2% against a 1% allowance: burn rate 2.
	_, err := e.Record("ingestion_success", "gateway", 980, 1000, 60)
	require.NoError(t, err)

	rate, err := e.BurnRate("ingestion_success", "gateway", 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rate, 1e-9)
}

func TestBurnRateNoData(t *testing.T) {
	e := testEvaluator(t)
	rate, err := e.BurnRate("ingestion_success", "gateway", 1)
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestCheckBreachesDebounce(t *testing.T) {
	e := testEvaluator(t)
	now := time.Now()
	e.now = func() time.Time { return now }

	_, err := e.Record("ingestion_success", "gateway", 940, 1000, 60)
	require.NoError(t, err)

	alerts, err := e.CheckBreaches()
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)

	// Within the 60s critical debounce: suppressed.
	now = now.Add(30 * time.Second)
	alerts, err = e.CheckBreaches()
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// Past the debounce: fires again.
	now = now.Add(31 * time.Second)
	alerts, err = e.CheckBreaches()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestWarningDebounceIsLonger(t *testing.T) {
	e := testEvaluator(t)
	now := time.Now()
	e.now = func() time.Time { return now }

	_, err := e.Record("ingestion_success", "gateway", 975, 1000, 60)
	require.NoError(t, err)

	alerts, err := e.CheckBreaches()
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	now = now.Add(2 * time.Minute)
	alerts, err = e.CheckBreaches()
	require.NoError(t, err)
	assert.Empty(t, alerts, "warning debounce is 300s")

	now = now.Add(4 * time.Minute)
	alerts, err = e.CheckBreaches()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestViolations(t *testing.T) {
	e := testEvaluator(t)

	_, err := e.Record("ingestion_success", "gateway", 980, 1000, 60)
	require.NoError(t, err)

	v := e.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, "ingestion_success", v[0].Name)
	// 2% errors against a 1% allowance: budget fully consumed, capped at 1.
	assert.Equal(t, 1.0, v[0].BudgetConsumption)
}

func TestPrune(t *testing.T) {
	store := NewMemoryStore()
	old := Measurement{Metric: "m", Service: "s", MeasuredAt: time.Now().Add(-91 * 24 * time.Hour)}
	recent := Measurement{Metric: "m", Service: "s", MeasuredAt: time.Now()}
	require.NoError(t, store.Insert(old))
	require.NoError(t, store.Insert(recent))

	n, err := store.Prune(time.Now().Add(-RetentionPeriod))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Len(t, latest, 1)
}
