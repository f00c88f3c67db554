package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// publishResponse is the producer-facing outcome of one ingestion attempt.
type publishResponse struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Accepted   bool   `json:"accepted"`
	Enqueued   bool   `json:"enqueued,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	DropReason string `json:"dropReason,omitempty"`
}

// handlePublish admits a single metric event.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var event stream.MetricEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	s.admitOne(w, r, &event)
}

// handlePublishBatch admits up to maxBatchSize events in one call. Outcomes
// preserve the caller's order; partial failure is reported per entry.
func (s *Server) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metrics []stream.MetricEvent `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(body.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "metrics array is empty")
		return
	}
	if len(body.Metrics) > s.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit of %d", len(body.Metrics), s.maxBatchSize))
		return
	}

	results := make([]publishResponse, len(body.Metrics))
	accepted := 0
	for i := range body.Metrics {
		res, status := s.admit(r, &body.Metrics[i])
		results[i] = res
		if status < 300 {
			accepted++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":    len(results),
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}

// webhookTransformer converts a platform-specific payload into metric events.
type webhookTransformer func(body []byte) ([]stream.MetricEvent, error)

var webhookTransformers = map[string]webhookTransformer{
	"instagram": transformInstagram,
	"tiktok":    transformTikTok,
	"reddit":    transformReddit,
}

// handleWebhook accepts platform webhook payloads, converts them to metric
// events, and runs each through the same admission pipeline as /metrics.
// Unknown sources fall back to the generic {"metrics": [...]} shape.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	transform, ok := webhookTransformers[source]
	if !ok {
		transform = transformGeneric
	}
	events, err := transform(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s payload: %v", source, err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "payload produced no metrics")
		return
	}

	results := make([]publishResponse, len(events))
	accepted := 0
	for i := range events {
		if events[i].Source == "" {
			events[i].Source = "webhook:" + source
		}
		res, status := s.admit(r, &events[i])
		results[i] = res
		if status < 300 {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"source":   source,
		"total":    len(results),
		"accepted": accepted,
		"results":  results,
	})
}

// admitOne writes the response for a single-event admission.
func (s *Server) admitOne(w http.ResponseWriter, r *http.Request, event *stream.MetricEvent) {
	res, status := s.admit(r, event)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(5))
	}
	writeJSON(w, status, res)
}

// admit normalizes, validates, and publishes one event through the
// backpressure controller, mapping the outcome to an HTTP status.
//
// Load-shedding drops (sampling, priority) still answer 202: the producer
// did nothing wrong and retrying immediately would make the overload worse.
// Only queue_full and circuit_breaker push back explicitly.
func (s *Server) admit(r *http.Request, event *stream.MetricEvent) (publishResponse, int) {
	event.Normalize()
	if err := event.Validate(); err != nil {
		return publishResponse{ID: event.ID, DropReason: "validation: " + err.Error()}, http.StatusBadRequest
	}

	payload, err := event.Encode()
	if err != nil {
		return publishResponse{ID: event.ID, DropReason: "encode: " + err.Error()}, http.StatusInternalServerError
	}

	subject := event.Subject()
	outcome, err := s.deps.Controller.Publish(r.Context(), subject, payload, event.ID, stream.ParsePriority(event.Priority))
	if err != nil {
		if errors.Is(err, backpressure.ErrShuttingDown) {
			return publishResponse{ID: event.ID, Subject: subject, DropReason: backpressure.DropShutdown}, http.StatusServiceUnavailable
		}
		return publishResponse{ID: event.ID, Subject: subject, DropReason: err.Error()}, http.StatusInternalServerError
	}

	res := publishResponse{
		ID:         event.ID,
		Subject:    subject,
		Accepted:   outcome.Accepted,
		Enqueued:   outcome.Enqueued,
		DropReason: outcome.DropReason,
	}
	if outcome.Receipt != nil {
		res.Duplicate = outcome.Receipt.Duplicate
	}

	switch outcome.DropReason {
	case backpressure.DropQueueFull:
		return res, http.StatusTooManyRequests
	case backpressure.DropCircuitBreaker:
		return res, http.StatusServiceUnavailable
	default:
		return res, http.StatusAccepted
	}
}

// ============================================================================
// WEBHOOK TRANSFORMERS
// ============================================================================

func transformGeneric(body []byte) ([]stream.MetricEvent, error) {
	var payload struct {
		Metrics []stream.MetricEvent `json:"metrics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload.Metrics, nil
}

// transformInstagram flattens an Instagram media-insights payload into one
// event per counter.
func transformInstagram(body []byte) ([]stream.MetricEvent, error) {
	var payload struct {
		Account string             `json:"account"`
		MediaID string             `json:"mediaId"`
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Account == "" {
		return nil, errors.New("account is required")
	}
	return counterEvents(payload.Account, "instagram", payload.Metrics, map[string]string{
		"mediaId": payload.MediaID,
	}), nil
}

func transformTikTok(body []byte) ([]stream.MetricEvent, error) {
	var payload struct {
		Username string             `json:"username"`
		VideoID  string             `json:"videoId"`
		Stats    map[string]float64 `json:"stats"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Username == "" {
		return nil, errors.New("username is required")
	}
	return counterEvents(payload.Username, "tiktok", payload.Stats, map[string]string{
		"videoId": payload.VideoID,
	}), nil
}

func transformReddit(body []byte) ([]stream.MetricEvent, error) {
	var payload struct {
		Author      string  `json:"author"`
		Subreddit   string  `json:"subreddit"`
		PostID      string  `json:"postId"`
		Ups         float64 `json:"ups"`
		NumComments float64 `json:"numComments"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload.Author == "" {
		return nil, errors.New("author is required")
	}
	return counterEvents(payload.Author, "reddit", map[string]float64{
		"upvotes":  payload.Ups,
		"comments": payload.NumComments,
	}, map[string]string{
		"subreddit": payload.Subreddit,
		"postId":    payload.PostID,
	}), nil
}

func counterEvents(model, platform string, counters map[string]float64, metadata map[string]string) []stream.MetricEvent {
	now := time.Now().UTC()
	out := make([]stream.MetricEvent, 0, len(counters))
	for name, value := range counters {
		if value < 0 {
			continue
		}
		out = append(out, stream.MetricEvent{
			ModelName:  model,
			MetricName: name,
			Value:      value,
			ValueKind:  stream.ValueCount,
			Platform:   platform,
			Metadata:   metadata,
			Timestamp:  now,
			Source:     "webhook:" + platform,
		})
	}
	return out
}
