package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// handleStats aggregates the control plane's counters into one payload.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters := s.deps.Controller.Metrics()

	streams, err := s.deps.Gateway.Streams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stream info: "+err.Error())
		return
	}
	var totalMessages uint64
	for _, info := range streams {
		totalMessages += info.Messages
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backpressure": counters,
		"streams": map[string]interface{}{
			"count":         len(streams),
			"totalMessages": totalMessages,
		},
		"etl": s.deps.ETL.Health(),
		"realtime": map[string]interface{}{
			"wsClients":        s.deps.Hub.ClientCount(),
			"busSubscribers":   s.deps.Bus.SubscriberCount(),
			"busDroppedEvents": s.deps.Bus.DroppedCount(),
		},
		"generatedAt": time.Now().UTC(),
	})
}

// handleHealth probes the stream backend with a synthetic publish and folds
// in ETL pipeline health and the degradation level. Degraded components
// answer 200 with status "degraded"; only a dead backend is a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	checks := map[string]string{}

	if err := s.deps.Gateway.HealthCheck(ctx); err != nil {
		checks["stream"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": checks,
		})
		return
	}
	checks["stream"] = "ok"

	for name, h := range s.deps.ETL.Health() {
		checks["etl:"+name] = h.Status
		if h.Status != "healthy" {
			status = "degraded"
		}
	}

	snap := s.deps.Controller.Snapshot()
	checks["backpressure"] = snap.LevelName
	if snap.LevelName != "none" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"checks": checks,
		"level":  snap.LevelName,
	})
}

// handleStreams lists every stream with its observable state.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.deps.Gateway.Streams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
	})
}

// handleDeadLetters returns the most recent dead-letter envelopes,
// newest first. ?limit=N caps the count (default 100).
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries := s.deps.Gateway.RecentDeadLetters(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

// handleDeadLetterReprocess drains up to limit dead letters, oldest first,
// and re-admits each on its original subject. Entries that fail re-admission
// are reported, not re-queued; the durable copy stays on the DLQ stream.
func (s *Server) handleDeadLetterReprocess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if r.Body != nil {
		// An empty body means "reprocess everything in the ring".
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	entries := s.deps.Gateway.TakeDeadLetters(body.Limit)
	reprocessed, failed := 0, 0
	var failures []map[string]string

	for _, entry := range entries {
		event, err := stream.DecodeMetricEvent(entry.Payload)
		priority := stream.PriorityMedium
		msgID := ""
		if err == nil {
			priority = stream.ParsePriority(event.Priority)
			msgID = event.ID
		}

		outcome, err := s.deps.Controller.Publish(r.Context(), entry.OriginalSubject, entry.Payload, msgID, priority)
		if err != nil || (!outcome.Accepted && outcome.DropReason != "") {
			failed++
			reason := outcome.DropReason
			if err != nil {
				reason = err.Error()
			}
			failures = append(failures, map[string]string{
				"subject": entry.OriginalSubject,
				"reason":  reason,
			})
			continue
		}
		reprocessed++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taken":       len(entries),
		"reprocessed": reprocessed,
		"failed":      failed,
		"failures":    failures,
	})
}

// handleConsumerControl returns a handler for one ETL pipeline action.
func (s *Server) handleConsumerControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var err error
		switch action {
		case "pause":
			err = s.deps.ETL.Pause(name)
		case "resume":
			err = s.deps.ETL.Resume(name)
		case "restart":
			err = s.deps.ETL.Restart(name)
		}
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"pipeline": name,
			"action":   action,
			"status":   "ok",
		})
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
