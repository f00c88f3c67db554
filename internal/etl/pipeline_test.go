package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]*stream.MetricEvent
	failnext int
}

func (s *fakeSink) WriteMetrics(_ context.Context, records []*stream.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failnextLocked() {
		return errors.New("storage unavailable")
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *fakeSink) failnextLocked() bool {
	if s.failnext > 0 {
		s.failnext--
		return true
	}
	return false
}

func (s *fakeSink) records() []*stream.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stream.MetricEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBroadcaster) Broadcast(eventType string, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *fakeBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestGateway(t *testing.T) *stream.Gateway {
	t.Helper()
	g := stream.NewGateway(stream.NewMemoryBackend(), nil)
	for _, cfg := range stream.DefaultStreams() {
		cfg.Storage = stream.StorageMemory
		require.NoError(t, g.CreateStream(context.Background(), cfg))
	}
	return g
}

func publishEvents(t *testing.T, g *stream.Gateway, n int, value float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := &stream.MetricEvent{
			ID:         fmt.Sprintf("ev_%d_%f", i, value),
			ModelName:  "marketing",
			MetricName: "engagement_rate",
			Value:      value,
			Source:     "test",
		}
		ev.Normalize()
		data, err := ev.Encode()
		require.NoError(t, err)
		_, err = g.Publish(context.Background(), ev.Subject(), data, ev.ID)
		require.NoError(t, err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig("metrics", "KPI_METRICS", "etl-test")
	cfg.BatchSize = 5
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.FetchWait = 20 * time.Millisecond
	return cfg
}

func TestPipelineFlushOnBatchSize(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{}
	bc := &fakeBroadcaster{}

	p := New(testConfig(), g, sink, nil, bc, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	publishEvents(t, g, 10, 2.5)

	assert.Eventually(t, func() bool {
		return len(sink.records()) == 10
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 10, bc.count("etl.metric_update"))
	assert.Zero(t, bc.count("etl.data_quality"))
}

func TestPipelineFlushOnTimeout(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{}

	p := New(testConfig(), g, sink, nil, nil, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// Fewer than a full batch: only the timeout can flush these.
	publishEvents(t, g, 3, 1.0)

	assert.Eventually(t, func() bool {
		return len(sink.records()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{failnext: 1}

	p := New(testConfig(), g, sink, nil, nil, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	publishEvents(t, g, 5, 1.0)

	assert.Eventually(t, func() bool {
		return len(sink.records()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, p.flushErrors.Load())
}

func TestPipelineDeadLettersOnExhaustion(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{failnext: 10}

	p := New(testConfig(), g, sink, nil, nil, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	publishEvents(t, g, 5, 1.0)

	assert.Eventually(t, func() bool {
		return p.deadLettered.Load() == 5
	}, 3*time.Second, 10*time.Millisecond)

	// Dead-lettered records landed on the DLQ stream.
	info, err := g.StreamInfo(context.Background(), "KPI_DLQ")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Messages)
}

func TestPipelineDataQualityAlert(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{}
	bc := &fakeBroadcaster{}

	// Half the records invalid: well over the 10% alert threshold.
	validator := func(records []*stream.MetricEvent) ([]*stream.MetricEvent, []InvalidRecord) {
		var valid []*stream.MetricEvent
		var invalid []InvalidRecord
		for i, r := range records {
			if i%2 == 0 {
				invalid = append(invalid, InvalidRecord{Event: r, Reason: "synthetic"})
			} else {
				valid = append(valid, r)
			}
		}
		return valid, invalid
	}

	p := New(testConfig(), g, sink, validator, bc, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	publishEvents(t, g, 10, 1.0)

	assert.Eventually(t, func() bool {
		return bc.count("etl.data_quality") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, len(sink.records()))
}

func TestPipelineNaksUndecodable(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{}

	p := New(testConfig(), g, sink, nil, nil, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := g.Publish(context.Background(), "kpi.metrics.marketing.medium", []byte("{not json"), "bad_1")
	require.NoError(t, err)

	// Redelivered up to max-deliver, then routed to the dead letter.
	assert.Eventually(t, func() bool {
		info, err := g.StreamInfo(context.Background(), "KPI_DLQ")
		return err == nil && info.Messages >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, sink.records())
}

func TestPipelineHealth(t *testing.T) {
	g := newTestGateway(t)
	p := New(testConfig(), g, &fakeSink{}, nil, nil, nil, nil, nil)

	h := p.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Running)

	// Force counters into the degraded regime.
	p.processed.Store(80)
	p.invalid.Store(20) // 20% error rate
	h = p.Health()
	assert.Equal(t, "degraded", h.Status)

	p.avgFlushMs.Store(6_000_000) // 6 s in microseconds
	h = p.Health()
	assert.Equal(t, "unhealthy", h.Status)
}

func TestManagerPauseResume(t *testing.T) {
	g := newTestGateway(t)
	sink := &fakeSink{}

	m := NewManager(context.Background())
	p := New(testConfig(), g, sink, nil, nil, nil, nil, nil)
	require.NoError(t, m.Add(p))

	require.NoError(t, m.Pause("metrics"))
	assert.False(t, p.Running())

	publishEvents(t, g, 5, 1.0)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.records(), "paused pipeline must not consume")

	require.NoError(t, m.Resume("metrics"))
	assert.Eventually(t, func() bool {
		return len(sink.records()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Restart("metrics"))
	assert.True(t, p.Running())

	assert.Error(t, m.Pause("nope"))
	m.StopAll()
}

func TestDefaultValidator(t *testing.T) {
	good := &stream.MetricEvent{ModelName: "m", MetricName: "ok_metric", Value: 1, Source: "s"}
	good.Normalize()
	bad := &stream.MetricEvent{ModelName: "m", MetricName: "bad metric!", Value: 1, Source: "s"}
	bad.Normalize()

	valid, invalid := DefaultValidator([]*stream.MetricEvent{good, bad})
	require.Len(t, valid, 1)
	require.Len(t, invalid, 1)
	assert.Equal(t, good, valid[0])
	assert.Contains(t, invalid[0].Reason, "alphanumeric")

	// Round-trip sanity: what the producer encodes, the validator accepts.
	data, err := json.Marshal(good)
	require.NoError(t, err)
	decoded, err := stream.DecodeMetricEvent(data)
	require.NoError(t, err)
	assert.NoError(t, decoded.Validate())
}
