// Package etl turns durable stream subscriptions into batched writes to the
// storage collaborator. Each pipeline owns one consumer worker loop with a
// bounded buffer, bounded-concurrency flushes, exponential-backoff retries,
// and a dead-letter escape hatch.
package etl

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/slo"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// Sink receives validated records in one batched write.
type Sink interface {
	WriteMetrics(ctx context.Context, records []*stream.MetricEvent) error
}

// Validator splits a batch into valid and invalid records. Invalid records
// are never persisted; they feed the run's SLO error ratio.
type Validator func(records []*stream.MetricEvent) (valid []*stream.MetricEvent, invalid []InvalidRecord)

// InvalidRecord pairs a rejected record with its rejection reason.
type InvalidRecord struct {
	Event  *stream.MetricEvent
	Reason string
}

// DefaultValidator applies the wire-schema rules from the stream package.
func DefaultValidator(records []*stream.MetricEvent) ([]*stream.MetricEvent, []InvalidRecord) {
	var valid []*stream.MetricEvent
	var invalid []InvalidRecord
	for _, r := range records {
		if err := r.Validate(); err != nil {
			invalid = append(invalid, InvalidRecord{Event: r, Reason: err.Error()})
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}

// Broadcaster pushes realtime updates to connected dashboard clients.
// The WebSocket hub satisfies it; nil disables broadcasting.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// SLORecorder receives the per-run validation outcome. *slo.Evaluator
// satisfies it; nil disables recording.
type SLORecorder interface {
	Record(metric, service string, success, total int64, windowSec int) (slo.Measurement, error)
}

// Metrics receives pipeline observations; nil disables them.
type Metrics interface {
	IncProcessed(pipeline string, n int)
	IncInvalid(pipeline string, n int)
	IncFlushError(pipeline string)
	IncDeadLettered(pipeline string, n int)
	IncDroppedBatch(pipeline string)
	ObserveFlushDuration(pipeline string, d time.Duration)
	SetBacklog(pipeline string, n int)
}

// Config tunes one pipeline.
type Config struct {
	Name                 string        `yaml:"name"`
	Stream               string        `yaml:"stream"`
	Consumer             string        `yaml:"consumer"`
	FilterSubject        string        `yaml:"filter_subject"`
	BatchSize            int           `yaml:"batch_size"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	FetchWait            time.Duration `yaml:"fetch_wait"`
	MaxDeliver           int           `yaml:"max_deliver"`
}

// DefaultConfig returns the standard tuning for a pipeline.
func DefaultConfig(name, streamName, consumer string) Config {
	return Config{
		Name:                 name,
		Stream:               streamName,
		Consumer:             consumer,
		BatchSize:            100,
		BatchTimeout:         5 * time.Second,
		MaxConcurrentBatches: 4,
		RetryAttempts:        3,
		RetryDelay:           time.Second,
		FetchWait:            2 * time.Second,
		MaxDeliver:           3,
	}
}

// Health classifies the pipeline's current condition.
type Health struct {
	Status           string  `json:"status"` // healthy, degraded, unhealthy
	Backlog          int     `json:"backlog"`
	AvgProcessingMs  float64 `json:"avgProcessingMs"`
	ErrorRatePercent float64 `json:"errorRatePercent"`
	Processed        uint64  `json:"processed"`
	Invalid          uint64  `json:"invalid"`
	DeadLettered     uint64  `json:"deadLettered"`
	DroppedBatches   uint64  `json:"droppedBatches"`
	FlushErrors      uint64  `json:"flushErrors"`
	Running          bool    `json:"running"`
}

// bufferedMsg keeps the consumed message with its decoded event so the
// pipeline can ack exactly when the record reached the sink or the
// dead-letter subject.
type bufferedMsg struct {
	msg   *stream.Msg
	event *stream.MetricEvent
}

// Pipeline is one consumer worker loop.
type Pipeline struct {
	cfg       Config
	gateway   *stream.Gateway
	sink      Sink
	validate  Validator
	broadcast Broadcaster
	sloRec    SLORecorder
	metrics   Metrics
	emitter   events.Emitter
	logger    *log.Logger

	mu       sync.Mutex
	buffer   []bufferedMsg
	oldestAt time.Time

	sem chan struct{} // bounds in-flight flushes

	processed    atomic.Uint64
	invalid      atomic.Uint64
	flushErrors  atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
	avgFlushMs   atomic.Uint64 // EMA, stored as microseconds for precision

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline. Validator defaults to DefaultValidator; broadcast,
// sloRec, metrics, and emitter may be nil.
func New(cfg Config, gateway *stream.Gateway, sink Sink, validate Validator, broadcast Broadcaster, sloRec SLORecorder, metrics Metrics, emitter events.Emitter) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 4
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 2 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if validate == nil {
		validate = DefaultValidator
	}
	return &Pipeline{
		cfg:       cfg,
		gateway:   gateway,
		sink:      sink,
		validate:  validate,
		broadcast: broadcast,
		sloRec:    sloRec,
		metrics:   metrics,
		emitter:   emitter,
		logger:    log.New(log.Writer(), "[ETL:"+cfg.Name+"] ", log.LstdFlags),
		sem:       make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// Start creates the durable consumer and launches the worker loop. Repeated
// starts while running are no-ops.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	err := p.gateway.CreateConsumer(ctx, stream.ConsumerConfig{
		Stream:        p.cfg.Stream,
		Name:          p.cfg.Consumer,
		FilterSubject: p.cfg.FilterSubject,
		MaxDeliver:    p.cfg.MaxDeliver,
	})
	if err != nil {
		p.running.Store(false)
		return fmt.Errorf("create consumer %s/%s: %w", p.cfg.Stream, p.cfg.Consumer, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	p.logger.Printf("started: stream=%s consumer=%s batch=%d", p.cfg.Stream, p.cfg.Consumer, p.cfg.BatchSize)
	return nil
}

// Stop halts intake, flushes the remaining buffer, and waits for in-flight
// batches. Safe to call repeatedly.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
}

// Running reports whether the worker loop is live.
func (p *Pipeline) Running() bool { return p.running.Load() }

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	timeout := time.NewTicker(p.cfg.BatchTimeout / 2)
	defer timeout.Stop()

	fetched := make(chan []*stream.Msg)
	go p.fetchLoop(ctx, fetched)

	for {
		select {
		case <-ctx.Done():
			// Final flush before exit so accepted messages survive a
			// clean shutdown.
			p.flushNow(context.Background())
			p.waitInflight()
			return

		case msgs := <-fetched:
			p.ingest(ctx, msgs)

		case <-timeout.C:
			p.mu.Lock()
			stale := len(p.buffer) > 0 && time.Since(p.oldestAt) >= p.cfg.BatchTimeout
			p.mu.Unlock()
			if stale {
				p.flushNow(ctx)
			}
		}
	}
}

// fetchLoop pulls message batches from the durable consumer and hands them
// to the worker loop. Fetch errors back off briefly rather than spinning.
func (p *Pipeline) fetchLoop(ctx context.Context, out chan<- []*stream.Msg) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.gateway.Fetch(ctx, p.cfg.Stream, p.cfg.Consumer, p.cfg.BatchSize, p.cfg.FetchWait, p.cfg.MaxDeliver)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("fetch error: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		select {
		case out <- msgs:
		case <-ctx.Done():
			return
		}
	}
}

// ingest decodes fetched messages into the buffer. Undecodable payloads are
// NAKed immediately: redelivery and the consumer's max-deliver policy route
// them to the dead-letter subject.
func (p *Pipeline) ingest(ctx context.Context, msgs []*stream.Msg) {
	p.mu.Lock()
	for _, m := range msgs {
		ev, err := m.Decode()
		if err != nil {
			p.mu.Unlock()
			if nakErr := m.Nak(ctx, "decode: "+err.Error()); nakErr != nil {
				p.logger.Printf("nak failed: %v", nakErr)
			}
			p.mu.Lock()
			continue
		}
		if len(p.buffer) == 0 {
			p.oldestAt = time.Now()
		}
		p.buffer = append(p.buffer, bufferedMsg{msg: m, event: ev})
	}
	full := len(p.buffer) >= p.cfg.BatchSize
	backlog := len(p.buffer)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetBacklog(p.cfg.Name, backlog)
	}
	if full {
		p.flushNow(ctx)
	}
}

// flushNow swaps the buffer out and processes it on a worker, waiting for a
// concurrency slot when all are taken.
func (p *Pipeline) flushNow(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.processBatch(context.WithoutCancel(ctx), batch)
	}()
}

func (p *Pipeline) waitInflight() {
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
	for i := 0; i < cap(p.sem); i++ {
		<-p.sem
	}
}

// processBatch validates, writes with retries, dead-letters on exhaustion,
// acks, records the SLO outcome, and broadcasts.
func (p *Pipeline) processBatch(ctx context.Context, batch []bufferedMsg) {
	start := time.Now()

	records := make([]*stream.MetricEvent, len(batch))
	for i, b := range batch {
		records[i] = b.event
	}
	valid, invalid := p.validate(records)

	var persisted bool
	if len(valid) > 0 {
		persisted = p.writeWithRetry(ctx, valid)
	} else {
		persisted = true
	}

	if persisted {
		for _, b := range batch {
			if err := b.msg.Ack(ctx); err != nil {
				p.logger.Printf("ack failed for %s: %v", b.msg.Envelope.MsgID, err)
			}
		}
		p.processed.Add(uint64(len(valid)))
		if p.metrics != nil {
			p.metrics.IncProcessed(p.cfg.Name, len(valid))
		}
	} else {
		p.escapeToDeadLetter(ctx, batch, valid)
	}

	p.invalid.Add(uint64(len(invalid)))
	if p.metrics != nil && len(invalid) > 0 {
		p.metrics.IncInvalid(p.cfg.Name, len(invalid))
	}

	p.recordRun(len(valid), len(records))
	p.observeFlush(time.Since(start))

	if persisted && p.broadcast != nil {
		for _, ev := range valid {
			p.broadcast.Broadcast(events.TypeMetricUpdate, ev)
		}
		if total := len(records); total > 0 && float64(len(invalid))/float64(total) > 0.1 {
			p.broadcast.Broadcast(events.TypeDataQuality, map[string]interface{}{
				"pipeline":     p.cfg.Name,
				"invalidCount": len(invalid),
				"totalCount":   total,
				"sampleReason": invalid[0].Reason,
			})
		}
	}
}

// writeWithRetry attempts the batched sink write with exponential delay
// retryDelay * 2^(attempt-1). Returns false once attempts are exhausted.
func (p *Pipeline) writeWithRetry(ctx context.Context, records []*stream.MetricEvent) bool {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		if err := p.sink.WriteMetrics(ctx, records); err == nil {
			return true
		} else {
			lastErr = err
		}

		p.flushErrors.Add(1)
		if p.metrics != nil {
			p.metrics.IncFlushError(p.cfg.Name)
		}
		if attempt == p.cfg.RetryAttempts {
			break
		}

		delay := p.cfg.RetryDelay * (1 << (attempt - 1))
		p.logger.Printf("batch write failed (attempt %d/%d), retrying in %s: %v", attempt, p.cfg.RetryAttempts, delay, lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	p.logger.Printf("batch write exhausted %d attempts: %v", p.cfg.RetryAttempts, lastErr)
	return false
}

// escapeToDeadLetter republishes every record of a failed batch to the
// dead-letter subject and acks the originals. A record whose dead-letter
// publish also fails is dropped and counted — bounded loss beats unbounded
// retry here.
func (p *Pipeline) escapeToDeadLetter(ctx context.Context, batch []bufferedMsg, valid []*stream.MetricEvent) {
	validSet := make(map[*stream.MetricEvent]bool, len(valid))
	for _, v := range valid {
		validSet[v] = true
	}

	for _, b := range batch {
		if !validSet[b.event] {
			// Invalid records were never going to the sink; just ack.
			_ = b.msg.Ack(ctx)
			continue
		}
		err := p.gateway.PublishDeadLetter(ctx, b.msg.Envelope.Subject, b.msg.Envelope.Payload, "etl_retries_exhausted")
		if err != nil {
			p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.IncDroppedBatch(p.cfg.Name)
			}
			p.logger.Printf("dead-letter publish failed, dropping %s: %v", b.msg.Envelope.MsgID, err)
		} else {
			p.deadLettered.Add(1)
			if p.metrics != nil {
				p.metrics.IncDeadLettered(p.cfg.Name, 1)
			}
		}
		_ = b.msg.Ack(ctx)
	}
}

func (p *Pipeline) recordRun(valid, total int) {
	if p.sloRec == nil || total == 0 {
		return
	}
	if _, err := p.sloRec.Record("etl_validation_rate", p.cfg.Name, int64(valid), int64(total), int(p.cfg.BatchTimeout.Seconds())); err != nil {
		p.logger.Printf("slo record failed: %v", err)
	}
}

func (p *Pipeline) observeFlush(d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveFlushDuration(p.cfg.Name, d)
	}
	// EMA over flush durations, stored in microseconds.
	prev := p.avgFlushMs.Load()
	cur := uint64(d.Microseconds())
	if prev == 0 {
		p.avgFlushMs.Store(cur)
	} else {
		p.avgFlushMs.Store((prev*8 + cur*2) / 10)
	}
}

// Health applies the degradation rules: backlog over 10x batch size, average
// processing above 5 s, or error rate above 10% each degrade; two or more
// together are unhealthy.
func (p *Pipeline) Health() Health {
	p.mu.Lock()
	backlog := len(p.buffer)
	p.mu.Unlock()

	processed := p.processed.Load()
	invalid := p.invalid.Load()
	total := processed + invalid

	h := Health{
		Backlog:         backlog,
		AvgProcessingMs: float64(p.avgFlushMs.Load()) / 1000,
		Processed:       processed,
		Invalid:         invalid,
		DeadLettered:    p.deadLettered.Load(),
		DroppedBatches:  p.dropped.Load(),
		FlushErrors:     p.flushErrors.Load(),
		Running:         p.running.Load(),
	}
	if total > 0 {
		h.ErrorRatePercent = 100 * float64(invalid+p.deadLettered.Load()) / float64(total)
	}

	conditions := 0
	if backlog > 10*p.cfg.BatchSize {
		conditions++
	}
	if h.AvgProcessingMs > 5000 {
		conditions++
	}
	if h.ErrorRatePercent > 10 {
		conditions++
	}
	switch {
	case conditions >= 2:
		h.Status = "unhealthy"
	case conditions == 1:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}
