package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/scheduler"
)

// handleBackpressureStatus exposes the controller snapshot, thresholds, and
// cumulative counters.
func (s *Server) handleBackpressureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":      s.deps.Controller.Snapshot(),
		"thresholds": s.deps.Controller.Thresholds(),
		"counters":   s.deps.Controller.Metrics(),
	})
}

// handleStrategy returns the latest strategy evaluation.
func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	current := s.deps.Analyzer.CurrentStrategy()
	if current == nil {
		writeError(w, http.StatusNotFound, "no strategy evaluated yet")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// handleStrategyHistory lists recent level transitions, newest last.
func (s *Server) handleStrategyHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries := s.deps.Analyzer.History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"history": entries,
	})
}

// handleStrategyStats aggregates the recent transition window.
func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Analyzer.Stats())
}

// handleStrategyLiveStream streams strategy updates over SSE. The current
// strategy is sent immediately on connect, then every update and change
// event as it happens, with a heartbeat comment every 30s so intermediate
// proxies keep the connection open.
func (s *Server) handleStrategyLiveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if current := s.deps.Analyzer.CurrentStrategy(); current != nil {
		if data, err := json.Marshal(current); err == nil {
			fmt.Fprintf(w, "event: current_strategy\ndata: %s\n\n", data)
		}
	}
	flusher.Flush()

	ch := s.deps.Bus.Subscribe(events.TypeStrategyUpdated, events.TypeStrategyChanged)
	defer s.deps.Bus.Unsubscribe(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			frame, err := event.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}

// ============================================================================
// SCHEDULER
// ============================================================================

// handleSchedulerTokens lists token records for ?platform=.
func (s *Server) handleSchedulerTokens(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		writeError(w, http.StatusBadRequest, "platform query parameter is required")
		return
	}
	tokens := s.deps.Scheduler.Tokens(platform)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform": platform,
		"count":    len(tokens),
		"tokens":   tokens,
	})
}

// handleRegisterToken adds or updates a token record.
func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TokenID  string `json:"tokenId"`
		Platform string `json:"platform"`
		Weight   int    `json:"weight"`
		Active   *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.TokenID == "" || body.Platform == "" {
		writeError(w, http.StatusBadRequest, "tokenId and platform are required")
		return
	}

	snap := s.deps.Scheduler.RegisterToken(body.TokenID, body.Platform, body.Weight)
	if body.Active != nil && !*body.Active {
		if err := s.deps.Scheduler.SetActive(body.TokenID, body.Platform, false); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		snap.Active = false
	}
	writeJSON(w, http.StatusCreated, snap)
}

// handleFairness reports starvation health for ?platform=.
func (s *Server) handleFairness(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		writeError(w, http.StatusBadRequest, "platform query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.CheckFairness(platform))
}

// handleScheduleJob picks a token (unless one is named) and admits one
// outbound job. A load or rate denial answers 429 — the job was not
// scheduled and the caller should retry later.
func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TokenID      string `json:"tokenId"`
		Platform     string `json:"platform"`
		Endpoint     string `json:"endpoint"`
		CheckBreaker bool   `json:"checkBreaker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}

	tokenID := body.TokenID
	if tokenID == "" {
		snap, err := s.deps.Scheduler.NextToken(body.Platform)
		if err != nil {
			if errors.Is(err, scheduler.ErrNoEligibleToken) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tokenID = snap.TokenID
	}

	job, err := s.deps.Scheduler.Schedule(r.Context(), tokenID, body.Platform, body.Endpoint, scheduler.ScheduleOptions{
		CheckBreaker: body.CheckBreaker,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownToken) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"scheduled": false,
			"tokenId":   tokenID,
			"platform":  body.Platform,
		})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleJobOutcome reports a completed or failed outbound job back to the
// token's breaker and stats.
func (s *Server) handleJobOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TokenID    string  `json:"tokenId"`
		Platform   string  `json:"platform"`
		Success    bool    `json:"success"`
		DurationMs float64 `json:"durationMs"`
		Error      string  `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.TokenID == "" || body.Platform == "" {
		writeError(w, http.StatusBadRequest, "tokenId and platform are required")
		return
	}

	var err error
	if body.Success {
		err = s.deps.Scheduler.RecordSuccess(body.TokenID, body.Platform, body.DurationMs)
	} else {
		err = s.deps.Scheduler.RecordFailure(body.TokenID, body.Platform, errors.New(body.Error))
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ============================================================================
// RATE LIMITER
// ============================================================================

// handleRateLimitUsage reports per-tier window counts for a token.
func (s *Server) handleRateLimitUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, platform := q.Get("token"), q.Get("platform")
	if token == "" || platform == "" {
		writeError(w, http.StatusBadRequest, "token and platform query parameters are required")
		return
	}
	endpoint := q.Get("endpoint")

	usage, err := s.deps.Limiter.Usage(r.Context(), token, platform, endpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"platform": platform,
		"endpoint": endpoint,
		"usage":    usage,
	})
}

// handleRateLimitReset clears recorded windows for a token, optionally
// narrowed to a platform or endpoint.
func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	cleared, err := s.deps.Limiter.Reset(r.Context(), body.Token, body.Platform, body.Endpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": cleared,
	})
}

// ============================================================================
// SLO
// ============================================================================

// handleSLOStatus returns the latest measurement per objective plus 24h
// aggregates, optionally filtered by ?service=.
func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.SLO.Status(r.URL.Query().Get("service"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSLOBurnRate reports budget consumption speed for one objective over
// ?hours= (default 1).
func (s *Server) handleSLOBurnRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric query parameter is required")
		return
	}
	service := q.Get("service")
	hours := queryInt(r, "hours", 1)
	if hours <= 0 {
		hours = 1
	}

	rate, err := s.deps.SLO.BurnRate(metric, service, hours)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric":   metric,
		"service":  service,
		"hours":    hours,
		"burnRate": rate,
		"burning":  rate >= 1,
	})
}
