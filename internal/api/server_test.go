package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
	"github.com/chrlshc/ofm-social-os-sub001/internal/etl"
	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub001/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub001/internal/slo"
	"github.com/chrlshc/ofm-social-os-sub001/internal/strategy"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ws"
)

type testEnv struct {
	server  *Server
	gateway *stream.Gateway
	sched   *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	gateway := stream.NewGateway(stream.NewMemoryBackend(), nil)
	for _, sc := range stream.DefaultStreams() {
		require.NoError(t, gateway.CreateStream(ctx, sc))
	}

	bus := events.NewBus()
	controller := backpressure.New(backpressure.DefaultConfig(), gateway, nil, bus, nil)
	limiter := ratelimit.NewLimiter(ratelimit.NewStaticRules(), ratelimit.NewMemoryStore(), nil)
	sched := scheduler.New(scheduler.DefaultConfig(), limiter, nil, bus, nil)

	evaluator := slo.NewEvaluator(slo.NewMemoryStore(), nil, nil)
	require.NoError(t, evaluator.RegisterConfig(slo.Config{
		Name: "publish_success_rate", Service: "ingestion", TargetPct: 99,
	}))

	server := NewServer(Deps{
		Gateway:    gateway,
		Controller: controller,
		Analyzer:   strategy.NewAnalyzer(bus),
		ETL:        etl.NewManager(ctx),
		Scheduler:  sched,
		Limiter:    limiter,
		SLO:        evaluator,
		Hub:        ws.NewHub(),
		Bus:        bus,
	}, "0", 10)

	return &testEnv{server: server, gateway: gateway, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPublishAcceptsValidEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/metrics", map[string]interface{}{
		"modelName":  "alice",
		"metricName": "likes",
		"value":      42,
		"source":     "test",
		"priority":   "high",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "kpi.metrics.alice.high", body["subject"])
	assert.NotEmpty(t, body["id"])

	info, err := env.gateway.StreamInfo(context.Background(), "KPI_METRICS")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Messages)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/metrics", map[string]interface{}{
		"metricName": "likes",
		"value":      1,
		"source":     "test",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishSetsLoadHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "optimal", rec.Header().Get("X-System-Load-Level"))
	assert.Equal(t, "continue", rec.Header().Get("X-Recommended-Action"))
	assert.NotEmpty(t, rec.Header().Get("X-System-Load-Score"))
	assert.NotEmpty(t, rec.Header().Get("X-Suggested-Rate-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-Suggested-Batch-Size"))
}

func TestBatchRejectsOversize(t *testing.T) {
	env := newTestEnv(t)

	metrics := make([]map[string]interface{}, 11) // limit is 10 in tests
	for i := range metrics {
		metrics[i] = map[string]interface{}{
			"modelName": "alice", "metricName": "likes", "value": 1, "source": "test",
		}
	}
	rec := env.do(t, "POST", "/metrics/batch", map[string]interface{}{"metrics": metrics})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBatchReportsPerEntryOutcomes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/metrics/batch", map[string]interface{}{
		"metrics": []map[string]interface{}{
			{"modelName": "alice", "metricName": "likes", "value": 1, "source": "test"},
			{"metricName": "likes", "value": 1, "source": "test"}, // missing modelName
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, float64(1), body["rejected"])
}

func TestWebhookInstagramTransforms(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/webhook/instagram", map[string]interface{}{
		"account": "alice",
		"mediaId": "m-1",
		"metrics": map[string]float64{"likes": 10, "reach": 500},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(2), body["accepted"])
}

func TestWebhookUnknownSourceUsesGenericShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/webhook/zapier", map[string]interface{}{
		"metrics": []map[string]interface{}{
			{"modelName": "alice", "metricName": "revenue_cents", "value": 999, "source": "zapier"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["accepted"])
}

func TestStrategyNotFoundBeforeFirstEvaluation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/strategy", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/scheduler/tokens", map[string]interface{}{
		"tokenId": "tok-1", "platform": "instagram", "weight": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, "POST", "/scheduler/jobs", map[string]interface{}{
		"platform": "instagram", "endpoint": "post",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "tok-1", body["tokenId"])
	assert.Equal(t, "publish:instagram:tok-1", body["queueName"])

	rec = env.do(t, "POST", "/scheduler/jobs/outcome", map[string]interface{}{
		"tokenId": "tok-1", "platform": "instagram", "success": true, "durationMs": 120,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/scheduler/fairness?platform=instagram", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody(t, rec)
	assert.Equal(t, true, report["healthy"])
}

func TestScheduleJobNoTokensConflicts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/scheduler/jobs", map[string]interface{}{
		"platform": "tiktok",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeadLetterEndpointsEmptyRing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/deadletter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = env.do(t, "POST", "/deadletter/reprocess", map[string]interface{}{"limit": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["taken"])
}

func TestDeadLetterReprocessRepublishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := &stream.MetricEvent{ModelName: "alice", MetricName: "likes", Value: 1, Source: "test"}
	event.Normalize()
	payload, err := event.Encode()
	require.NoError(t, err)
	require.NoError(t, env.gateway.PublishDeadLetter(ctx, event.Subject(), payload, "etl_retries_exhausted"))

	rec := env.do(t, "POST", "/deadletter/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["taken"])
	assert.Equal(t, float64(1), body["reprocessed"])
}

func TestRateLimitUsageRequiresParams(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/ratelimit/usage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSLOStatusEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/slo/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBackpressureStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/backpressure/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "state")
	assert.Contains(t, body, "thresholds")
	assert.Contains(t, body, "counters")
}
