// Package api exposes the control plane over HTTP: the producer ingestion
// surface, operator introspection, the SSE strategy stream, and the
// WebSocket broadcast endpoint. Handlers only translate between the wire
// and component APIs — every decision lives in the components.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
	"github.com/chrlshc/ofm-social-os-sub001/internal/etl"
	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/middleware"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub001/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub001/internal/slo"
	"github.com/chrlshc/ofm-social-os-sub001/internal/strategy"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ws"
)

// Deps wires the components the server fronts.
type Deps struct {
	Gateway    *stream.Gateway
	Controller *backpressure.Controller
	Analyzer   *strategy.Analyzer
	ETL        *etl.Manager
	Scheduler  *scheduler.Scheduler
	Limiter    *ratelimit.Limiter
	SLO        *slo.Evaluator
	Hub        *ws.Hub
	Bus        *events.Bus
}

// Server is the HTTP surface of the control plane.
type Server struct {
	deps         Deps
	maxBatchSize int
	logger       *log.Logger
	handler      http.Handler
	httpSrv      *http.Server
}

// NewServer builds the router and its middleware stack.
func NewServer(deps Deps, port string, maxBatchSize int) *Server {
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	s := &Server{
		deps:         deps,
		maxBatchSize: maxBatchSize,
		logger:       log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.RequestLogger(nil))
	r.Use(middleware.LoadHeaders(deps.Controller))

	// Producer surface. GET /metrics stays Prometheus; POST is ingestion.
	r.HandleFunc("/metrics", s.handlePublish).Methods("POST")
	r.HandleFunc("/metrics/batch", s.handlePublishBatch).Methods("POST")
	r.HandleFunc("/webhook/{source}", s.handleWebhook).Methods("POST")

	// Operator surface.
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/streams", s.handleStreams).Methods("GET")
	r.HandleFunc("/deadletter", s.handleDeadLetters).Methods("GET")
	r.HandleFunc("/deadletter/reprocess", s.handleDeadLetterReprocess).Methods("POST")
	r.HandleFunc("/consumers/{name}/pause", s.handleConsumerControl("pause")).Methods("POST")
	r.HandleFunc("/consumers/{name}/resume", s.handleConsumerControl("resume")).Methods("POST")
	r.HandleFunc("/consumers/{name}/restart", s.handleConsumerControl("restart")).Methods("POST")

	// Backpressure and strategy.
	r.HandleFunc("/backpressure/status", s.handleBackpressureStatus).Methods("GET")
	r.HandleFunc("/strategy", s.handleStrategy).Methods("GET")
	r.HandleFunc("/strategy/history", s.handleStrategyHistory).Methods("GET")
	r.HandleFunc("/strategy/stats", s.handleStrategyStats).Methods("GET")
	r.HandleFunc("/strategy/live-stream", s.handleStrategyLiveStream).Methods("GET")

	// Scheduler.
	r.HandleFunc("/scheduler/tokens", s.handleSchedulerTokens).Methods("GET")
	r.HandleFunc("/scheduler/tokens", s.handleRegisterToken).Methods("POST")
	r.HandleFunc("/scheduler/fairness", s.handleFairness).Methods("GET")
	r.HandleFunc("/scheduler/jobs", s.handleScheduleJob).Methods("POST")
	r.HandleFunc("/scheduler/jobs/outcome", s.handleJobOutcome).Methods("POST")

	// Rate limiter.
	r.HandleFunc("/ratelimit/usage", s.handleRateLimitUsage).Methods("GET")
	r.HandleFunc("/ratelimit/reset", s.handleRateLimitReset).Methods("POST")

	// SLO.
	r.HandleFunc("/slo/status", s.handleSLOStatus).Methods("GET")
	r.HandleFunc("/slo/burnrate", s.handleSLOBurnRate).Methods("GET")

	// Realtime and instrumentation.
	r.HandleFunc("/ws", deps.Hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.handler = r
	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE endpoints stream indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests under the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// writeJSON encodes a response body with a status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError encodes the standard error shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
