package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
)

type fixedProvider struct {
	state backpressure.State
}

func (p fixedProvider) Snapshot() backpressure.State { return p.state }

func stateAt(level backpressure.Level, queueLen int, ratios backpressure.Ratios) backpressure.State {
	return backpressure.State{
		Level:     level,
		LevelName: level.String(),
		QueueLen:  queueLen,
		Ratios:    ratios,
	}
}

func TestSignalLevelMapping(t *testing.T) {
	tests := []struct {
		name   string
		state  backpressure.State
		level  string
		action string
	}{
		{"none", stateAt(backpressure.LevelNone, 0, backpressure.Ratios{}), LoadOptimal, ActionContinue},
		{"low small queue", stateAt(backpressure.LevelLow, 100, backpressure.Ratios{}), LoadOptimal, ActionContinue},
		{"low big queue", stateAt(backpressure.LevelLow, 600, backpressure.Ratios{}), LoadBusy, ActionSlowDown},
		{"medium", stateAt(backpressure.LevelMedium, 0, backpressure.Ratios{}), LoadBusy, ActionSlowDown},
		{"high", stateAt(backpressure.LevelHigh, 0, backpressure.Ratios{}), LoadStressed, ActionReduceLoad},
		{"critical", stateAt(backpressure.LevelCritical, 0, backpressure.Ratios{}), LoadCritical, ActionTryLater},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := SignalFor(tt.state)
			assert.Equal(t, tt.level, sig.Level)
			assert.Equal(t, tt.action, sig.Action)
		})
	}
}

func TestSignalScore(t *testing.T) {
	// All ratios zero: perfect score.
	sig := SignalFor(stateAt(backpressure.LevelNone, 0, backpressure.Ratios{}))
	assert.Equal(t, 100, sig.Score)

	// Uniform 0.5: score 50.
	sig = SignalFor(stateAt(backpressure.LevelNone, 0, backpressure.Ratios{Memory: 0.5, Queue: 0.5, Rate: 0.5, CPU: 0.5}))
	assert.Equal(t, 50, sig.Score)

	// Ratios above 1 clamp to zero contribution, never negative.
	sig = SignalFor(stateAt(backpressure.LevelCritical, 0, backpressure.Ratios{Memory: 3, Queue: 3, Rate: 3, CPU: 3}))
	assert.Equal(t, 0, sig.Score)
}

func serve(provider StateProvider, path string) *httptest.ResponseRecorder {
	handler := LoadHeaders(provider)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestMandatoryHeadersAlwaysPresent(t *testing.T) {
	rec := serve(fixedProvider{stateAt(backpressure.LevelNone, 0, backpressure.Ratios{})}, "/metrics-ingest")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	for _, h := range []string{"X-System-Load-Level", "X-System-Load-Score", "X-Recommended-Action", "X-Suggested-Rate-Limit", "X-Suggested-Batch-Size"} {
		assert.NotEmpty(t, rec.Header().Get(h), h)
	}
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestCriticalRejectsNonStatus(t *testing.T) {
	provider := fixedProvider{stateAt(backpressure.LevelCritical, 0, backpressure.Ratios{Memory: 2.5})}

	rec := serve(provider, "/ingest")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "retryAfter")

	// Status endpoints stay reachable.
	rec = serve(provider, "/health")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = serve(provider, "/slo/status")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
