package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Priority is the producer-assigned severity class of a metric event.
// It influences queueing and drop decisions under degradation.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire string to a Priority; unknown values map to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// ValueKind tags the semantic type of a metric value. Untyped payloads
// survive only inside the opaque Metadata map.
type ValueKind string

const (
	ValueCount ValueKind = "count"
	ValueRate  ValueKind = "rate"
	ValueGauge ValueKind = "gauge"
)

// MetricEvent is the universal ingestion record. The ID doubles as the
// dedup key within the stream's duplicate window.
type MetricEvent struct {
	ID         string            `json:"id"`
	ModelName  string            `json:"modelName"`
	MetricName string            `json:"metricName"`
	Value      float64           `json:"value"`
	ValueKind  ValueKind         `json:"valueKind,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	CampaignID string            `json:"campaignId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Priority   string            `json:"priority,omitempty"`
}

// Validation errors.
var (
	ErrMissingModelName  = errors.New("modelName is required")
	ErrMissingMetricName = errors.New("metricName is required")
	ErrMissingSource     = errors.New("source is required")
	ErrInvalidMetricName = errors.New("metricName must be alphanumeric or underscore")
	ErrInvalidValue      = errors.New("value must be a finite, non-negative number")
	ErrMissingTimestamp  = errors.New("timestamp is required")
)

// Normalize fills defaults: assigns an ID when the caller did not supply
// one, stamps a missing timestamp, defaults the value kind to gauge.
func (e *MetricEvent) Normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ValueKind == "" {
		e.ValueKind = ValueGauge
	}
	if e.Priority == "" {
		e.Priority = "medium"
	}
}

// Validate checks the wire schema requirements. Call after Normalize.
func (e *MetricEvent) Validate() error {
	if e.ModelName == "" {
		return ErrMissingModelName
	}
	if e.MetricName == "" {
		return ErrMissingMetricName
	}
	if !isMetricName(e.MetricName) {
		return fmt.Errorf("%w: %q", ErrInvalidMetricName, e.MetricName)
	}
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) || e.Value < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidValue, e.Value)
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.Source == "" {
		return ErrMissingSource
	}
	return nil
}

// Subject returns the event's routing key.
func (e *MetricEvent) Subject() string {
	return MetricSubject(e.ModelName, e.Priority)
}

// Encode serializes the event as JSON.
func (e *MetricEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeMetricEvent parses a JSON-encoded metric event.
func DecodeMetricEvent(data []byte) (*MetricEvent, error) {
	var e MetricEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode metric event: %w", err)
	}
	return &e, nil
}

func isMetricName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return len(s) > 0
}
