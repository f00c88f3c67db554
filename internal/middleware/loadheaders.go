// Package middleware carries the cross-cutting HTTP concerns: the
// four-header load contract derived from the backpressure snapshot, and
// single-line request logging.
package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
)

// Load levels exposed to clients.
const (
	LoadOptimal  = "optimal"
	LoadBusy     = "busy"
	LoadStressed = "stressed"
	LoadCritical = "critical"
)

// Recommended client actions.
const (
	ActionContinue   = "continue"
	ActionSlowDown   = "slow_down"
	ActionReduceLoad = "reduce_load"
	ActionTryLater   = "try_later"
)

// StateProvider supplies the controller snapshot once per request.
// *backpressure.Controller satisfies it.
type StateProvider interface {
	Snapshot() backpressure.State
}

// LoadSignal is the deterministic header mapping of one snapshot.
type LoadSignal struct {
	Level              string
	Score              int
	Action             string
	SuggestedRateLimit int
	SuggestedBatchSize int
	RetryAfterSeconds  int
}

// SignalFor maps a controller snapshot to the client-facing load contract.
func SignalFor(s backpressure.State) LoadSignal {
	var level string
	switch s.Level {
	case backpressure.LevelNone:
		level = LoadOptimal
	case backpressure.LevelLow:
		if s.QueueLen < 500 {
			level = LoadOptimal
		} else {
			level = LoadBusy
		}
	case backpressure.LevelMedium:
		level = LoadBusy
	case backpressure.LevelHigh:
		level = LoadStressed
	default:
		level = LoadCritical
	}

	// Score: mean of (1 - r_i) over the four ratios, clamped to [0, 100].
	ratios := []float64{s.Ratios.Memory, s.Ratios.Queue, s.Ratios.Rate, s.Ratios.CPU}
	sum := 0.0
	for _, r := range ratios {
		sum += math.Max(0, 1-r)
	}
	score := int(math.Round(100 * sum / float64(len(ratios))))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	sig := LoadSignal{Level: level, Score: score}
	switch level {
	case LoadOptimal:
		sig.Action = ActionContinue
		sig.SuggestedRateLimit = 1000
		sig.SuggestedBatchSize = 100
	case LoadBusy:
		sig.Action = ActionSlowDown
		sig.SuggestedRateLimit = 500
		sig.SuggestedBatchSize = 50
	case LoadStressed:
		sig.Action = ActionReduceLoad
		sig.SuggestedRateLimit = 100
		sig.SuggestedBatchSize = 20
	default:
		sig.Action = ActionTryLater
		sig.SuggestedRateLimit = 10
		sig.SuggestedBatchSize = 1
		sig.RetryAfterSeconds = 30
	}
	return sig
}

// statusPaths are always served, even under critical load, so operators can
// see what is happening.
var statusPaths = []string{
	"/health",
	"/stats",
	"/metrics",
	"/status",
	"/slo",
	"/strategy",
	"/backpressure",
	"/deadletter",
}

func isStatusPath(path string) bool {
	for _, p := range statusPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// LoadHeaders reads the controller snapshot once per request, writes the
// four mandatory headers, and rejects non-status requests with 503 while
// the level is critical.
func LoadHeaders(provider StateProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := SignalFor(provider.Snapshot())

			h := w.Header()
			h.Set("X-System-Load-Level", sig.Level)
			h.Set("X-System-Load-Score", strconv.Itoa(sig.Score))
			h.Set("X-Recommended-Action", sig.Action)
			h.Set("X-Suggested-Rate-Limit", strconv.Itoa(sig.SuggestedRateLimit))
			h.Set("X-Suggested-Batch-Size", strconv.Itoa(sig.SuggestedBatchSize))
			if sig.Action == ActionTryLater {
				h.Set("Retry-After", strconv.Itoa(sig.RetryAfterSeconds))
			}

			readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
			if sig.Level == LoadCritical && !(readOnly && isStatusPath(r.URL.Path)) {
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":      "system critically overloaded, please retry later",
					"retryAfter": sig.RetryAfterSeconds,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger emits one line per request: method, path, status, duration.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s status=%d duration_ms=%s", r.Method, r.URL.Path, rec.status,
				fmt.Sprintf("%.1f", float64(time.Since(start).Microseconds())/1000))
		})
	}
}

// CORS allows the dashboard frontend to call the API from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
