// Package storage is the persistence collaborator: validated KPI records,
// per-component configuration rows, and the SLO measurement series. The
// core treats it as an external system behind narrow interfaces; the
// Postgres implementation is the production path and MemorySink serves
// tests and Redis-less development.
package storage

import (
	"context"
	"sync"

	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// RateLimitRule is the persisted shape of a (platform, endpoint) limit.
type RateLimitRule struct {
	Platform           string `json:"platform"`
	Endpoint           string `json:"endpoint"`
	PerMinute          int    `json:"perMinute"`
	PerHour            int    `json:"perHour"`
	PerDay             int    `json:"perDay"`
	BurstLimit         int    `json:"burstLimit"`
	BurstWindowSeconds int    `json:"burstWindowSeconds"`
	Active             bool   `json:"active"`
}

// Limits converts the rule to the limiter's tier configuration.
func (r RateLimitRule) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		Burst:  r.BurstLimit,
		Minute: r.PerMinute,
		Hour:   r.PerHour,
		Day:    r.PerDay,
	}
}

// ConfigStore persists component configuration records.
type ConfigStore interface {
	UpsertRateLimitRule(ctx context.Context, rule RateLimitRule) error
	RateLimitRules(ctx context.Context) ([]RateLimitRule, error)
}

// MemorySink collects metric batches in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []*stream.MetricEvent
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteMetrics appends the batch.
func (s *MemorySink) WriteMetrics(_ context.Context, records []*stream.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Len reports how many records have been written.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of everything written.
func (s *MemorySink) Records() []*stream.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*stream.MetricEvent, len(s.records))
	copy(out, s.records)
	return out
}
