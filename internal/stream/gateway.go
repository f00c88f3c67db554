// Package stream implements the durable, deduplicated publish/consume
// gateway for metric events. Persistence is delegated to a Backend — Redis
// Streams in production, an in-memory log for tests and local development.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Gateway errors.
var (
	ErrDuplicateID    = errors.New("duplicate message id within dedup window")
	ErrStreamNotFound = errors.New("stream not found")
	ErrConfigConflict = errors.New("stream exists with conflicting configuration")
	ErrNoStreamFor    = errors.New("no stream matches subject")
)

// RetentionPolicy controls when a stream discards messages.
type RetentionPolicy string

const (
	RetentionLimits    RetentionPolicy = "limits"     // max-age OR max-bytes OR max-msgs
	RetentionInterest  RetentionPolicy = "interest"   // discard once all consumers acked
	RetentionWorkQueue RetentionPolicy = "workqueue"  // discard once any consumer acked
)

// StorageKind selects the backing medium.
type StorageKind string

const (
	StorageFile   StorageKind = "file"
	StorageMemory StorageKind = "memory"
)

// DeliverPolicy controls where a new consumer starts.
type DeliverPolicy string

const (
	DeliverAll  DeliverPolicy = "all"
	DeliverLast DeliverPolicy = "last"
	DeliverNew  DeliverPolicy = "new"
)

// AckPolicy controls acknowledgement requirements.
type AckPolicy string

const (
	AckExplicit AckPolicy = "explicit"
	AckAll      AckPolicy = "all"
	AckNone     AckPolicy = "none"
)

// StreamConfig describes a named, append-only, retention-bounded log.
type StreamConfig struct {
	Name            string          `yaml:"name" json:"name"`
	Subjects        []string        `yaml:"subjects" json:"subjects"`
	MaxAge          time.Duration   `yaml:"max_age" json:"maxAge"`
	MaxBytes        int64           `yaml:"max_bytes" json:"maxBytes"`
	MaxMsgs         int64           `yaml:"max_msgs" json:"maxMsgs"`
	Retention       RetentionPolicy `yaml:"retention" json:"retention"`
	Storage         StorageKind     `yaml:"storage" json:"storage"`
	DuplicateWindow time.Duration   `yaml:"duplicate_window" json:"duplicateWindow"`
}

// DefaultStreams returns the control plane's standard stream layout.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{
			Name:            "KPI_METRICS",
			Subjects:        []string{"kpi.metrics.>", "kpi.events.>"},
			MaxAge:          7 * 24 * time.Hour,
			MaxBytes:        50 << 30, // 50 GiB
			Retention:       RetentionLimits,
			Storage:         StorageFile,
			DuplicateWindow: 2 * time.Minute,
		},
		{
			Name:            "KPI_ALERTS",
			Subjects:        []string{"kpi.alerts.>"},
			MaxAge:          30 * 24 * time.Hour,
			MaxBytes:        10 << 30,
			Retention:       RetentionLimits,
			Storage:         StorageFile,
			DuplicateWindow: 2 * time.Minute,
		},
		{
			Name:            "KPI_INSIGHTS",
			Subjects:        []string{"kpi.insights.>"},
			MaxAge:          90 * 24 * time.Hour,
			MaxBytes:        20 << 30,
			Retention:       RetentionLimits,
			Storage:         StorageFile,
			DuplicateWindow: 2 * time.Minute,
		},
		{
			Name:            "KPI_DLQ",
			Subjects:        []string{SubjectDeadLetter},
			MaxAge:          30 * 24 * time.Hour,
			Retention:       RetentionLimits,
			Storage:         StorageFile,
			DuplicateWindow: time.Minute,
		},
	}
}

// ConsumerConfig describes a durable cursor on a stream.
type ConsumerConfig struct {
	Stream        string        `yaml:"stream" json:"stream"`
	Name          string        `yaml:"name" json:"name"`
	FilterSubject string        `yaml:"filter_subject" json:"filterSubject"`
	Deliver       DeliverPolicy `yaml:"deliver" json:"deliver"`
	Ack           AckPolicy     `yaml:"ack" json:"ack"`
	MaxDeliver    int           `yaml:"max_deliver" json:"maxDeliver"`
	AckWait       time.Duration `yaml:"ack_wait" json:"ackWait"`
	MaxAckPending int           `yaml:"max_ack_pending" json:"maxAckPending"`
}

// StreamInfo is the observable state of a stream.
type StreamInfo struct {
	Config   StreamConfig `json:"config"`
	Messages uint64       `json:"messages"`
	Bytes    uint64       `json:"bytes"`
	FirstSeq uint64       `json:"firstSeq"`
	LastSeq  uint64       `json:"lastSeq"`
}

// Envelope wraps a fetched message with its delivery metadata.
type Envelope struct {
	Stream     string    `json:"stream"`
	Subject    string    `json:"subject"`
	Seq        uint64    `json:"seq"`
	MsgID      string    `json:"msgId"`
	Payload    []byte    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	Deliveries int       `json:"deliveries"`

	// AckToken is backend-specific (Redis stream entry ID, memory seq).
	AckToken string `json:"-"`
}

// Backend is the minimal durable-stream surface the gateway needs.
// Implementations: infra.RedisStreamBackend, stream.MemoryBackend.
type Backend interface {
	EnsureStream(ctx context.Context, cfg StreamConfig) error
	Append(ctx context.Context, stream, subject string, payload []byte, msgID string) (uint64, error)
	EnsureConsumer(ctx context.Context, cfg ConsumerConfig) error
	Fetch(ctx context.Context, stream, consumer string, batch int, maxWait time.Duration) ([]Envelope, error)
	Ack(ctx context.Context, stream, consumer string, env Envelope) error
	Nak(ctx context.Context, stream, consumer string, env Envelope) error
	StreamInfo(ctx context.Context, name string) (StreamInfo, error)
	Streams(ctx context.Context) ([]StreamInfo, error)
}

// DeadLetterEnvelope annotates a message routed to the dead-letter subject.
type DeadLetterEnvelope struct {
	OriginalSubject   string          `json:"originalSubject"`
	OriginalTimestamp time.Time       `json:"originalTimestamp"`
	Reason            string          `json:"reason"`
	Deliveries        int             `json:"deliveries,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	DeadLetteredAt    time.Time       `json:"deadLetteredAt"`
}

// PublishReceipt is the structured outcome of a publish.
type PublishReceipt struct {
	Stream    string `json:"stream"`
	Subject   string `json:"subject"`
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate"`
}

// BatchOutcome is the per-entry result of a batch publish.
type BatchOutcome struct {
	Index   int             `json:"index"`
	Receipt *PublishReceipt `json:"receipt,omitempty"`
	Err     error           `json:"-"`
	Error   string          `json:"error,omitempty"`
}

// Metrics is the gateway's observation hook; nil disables recording.
type Metrics interface {
	ObservePublishLatency(stream string, d time.Duration)
	IncPublishError(stream string)
	IncDeadLetter(reason string)
}

// Gateway routes subjects to streams and adds dedup, batch publishing,
// dead-letter escalation, and health checking on top of a Backend.
type Gateway struct {
	backend Backend
	metrics Metrics
	logger  *log.Logger

	mu      sync.RWMutex
	streams map[string]StreamConfig // name -> config, for subject resolution

	// batchConcurrency bounds in-flight publishes inside BatchPublish.
	batchConcurrency int

	// recent dead letters, newest last, for operator introspection.
	dlqMu     sync.Mutex
	dlqRecent []DeadLetterEnvelope
}

// dlqRingSize bounds the introspection ring; the durable copy lives on the
// dead-letter stream.
const dlqRingSize = 500

// NewGateway creates a gateway over the given backend. Metrics may be nil.
func NewGateway(backend Backend, metrics Metrics) *Gateway {
	return &Gateway{
		backend:          backend,
		metrics:          metrics,
		logger:           log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		streams:          make(map[string]StreamConfig),
		batchConcurrency: 50,
	}
}

// CreateStream is idempotent: a pre-existing stream with matching config is
// a no-op; a conflicting config fails with ErrConfigConflict.
func (g *Gateway) CreateStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.Name == "" || len(cfg.Subjects) == 0 {
		return fmt.Errorf("stream config requires name and subjects")
	}
	if cfg.Retention == "" {
		cfg.Retention = RetentionLimits
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}

	if err := g.backend.EnsureStream(ctx, cfg); err != nil {
		return err
	}

	g.mu.Lock()
	g.streams[cfg.Name] = cfg
	g.mu.Unlock()

	g.logger.Printf("stream ready: %s subjects=%v retention=%s", cfg.Name, cfg.Subjects, cfg.Retention)
	return nil
}

// ResolveStream finds the stream whose subject patterns match the subject.
func (g *Gateway) ResolveStream(subject string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for name, cfg := range g.streams {
		for _, pattern := range cfg.Subjects {
			if MatchSubject(pattern, subject) {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoStreamFor, subject)
}

// Publish appends a message to the stream matching the subject. A msgID seen
// within the duplicate window returns ErrDuplicateID with a receipt marked
// Duplicate — callers treat that as success.
func (g *Gateway) Publish(ctx context.Context, subject string, payload []byte, msgID string) (PublishReceipt, error) {
	streamName, err := g.ResolveStream(subject)
	if err != nil {
		return PublishReceipt{}, err
	}

	start := time.Now()
	seq, err := g.backend.Append(ctx, streamName, subject, payload, msgID)
	if g.metrics != nil {
		g.metrics.ObservePublishLatency(streamName, time.Since(start))
	}

	receipt := PublishReceipt{Stream: streamName, Subject: subject, Seq: seq}
	if err != nil {
		if errors.Is(err, ErrDuplicateID) {
			receipt.Duplicate = true
			return receipt, ErrDuplicateID
		}
		if g.metrics != nil {
			g.metrics.IncPublishError(streamName)
		}
		return PublishReceipt{}, err
	}
	return receipt, nil
}

// BatchPublish publishes payloads to one subject with bounded in-flight
// concurrency. Outcomes preserve the caller-supplied order; partial failure
// is reported per entry, never by reordering.
func (g *Gateway) BatchPublish(ctx context.Context, subject string, payloads [][]byte, msgIDs []string) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(payloads))
	sem := make(chan struct{}, g.batchConcurrency)
	var wg sync.WaitGroup

	for i, payload := range payloads {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, payload []byte) {
			defer wg.Done()
			defer func() { <-sem }()

			msgID := ""
			if i < len(msgIDs) {
				msgID = msgIDs[i]
			}
			receipt, err := g.Publish(ctx, subject, payload, msgID)
			outcome := BatchOutcome{Index: i}
			if err != nil && !errors.Is(err, ErrDuplicateID) {
				outcome.Err = err
				outcome.Error = err.Error()
			} else {
				outcome.Receipt = &receipt
			}
			outcomes[i] = outcome
		}(i, payload)
	}

	wg.Wait()
	return outcomes
}

// CreateConsumer is idempotent for identical configs.
func (g *Gateway) CreateConsumer(ctx context.Context, cfg ConsumerConfig) error {
	if cfg.Stream == "" || cfg.Name == "" {
		return fmt.Errorf("consumer config requires stream and name")
	}
	if cfg.Deliver == "" {
		cfg.Deliver = DeliverAll
	}
	if cfg.Ack == "" {
		cfg.Ack = AckExplicit
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 256
	}
	return g.backend.EnsureConsumer(ctx, cfg)
}

// Msg is a consumed message with its ack controls bound.
type Msg struct {
	Envelope Envelope

	gateway    *Gateway
	consumer   string
	maxDeliver int
}

// Decode parses the payload as a MetricEvent.
func (m *Msg) Decode() (*MetricEvent, error) {
	return DecodeMetricEvent(m.Envelope.Payload)
}

// Ack acknowledges the message.
func (m *Msg) Ack(ctx context.Context) error {
	return m.gateway.backend.Ack(ctx, m.Envelope.Stream, m.consumer, m.Envelope)
}

// Nak negatively acknowledges the message for redelivery. Once deliveries
// reach the consumer's max, the message is routed to the dead-letter subject
// instead and the original is acked.
func (m *Msg) Nak(ctx context.Context, reason string) error {
	if m.Envelope.Deliveries >= m.maxDeliver {
		if err := m.gateway.DeadLetter(ctx, m.Envelope, reason); err != nil {
			return err
		}
		return m.gateway.backend.Ack(ctx, m.Envelope.Stream, m.consumer, m.Envelope)
	}
	return m.gateway.backend.Nak(ctx, m.Envelope.Stream, m.consumer, m.Envelope)
}

// Fetch pulls up to batch messages for a durable consumer, waiting up to
// maxWait for the first. The returned slice is a finite, lazy-per-call
// sequence; the caller must Ack or Nak each message.
func (g *Gateway) Fetch(ctx context.Context, streamName, consumer string, batch int, maxWait time.Duration, maxDeliver int) ([]*Msg, error) {
	if maxDeliver <= 0 {
		maxDeliver = 3
	}
	envs, err := g.backend.Fetch(ctx, streamName, consumer, batch, maxWait)
	if err != nil {
		return nil, err
	}

	msgs := make([]*Msg, len(envs))
	for i, env := range envs {
		msgs[i] = &Msg{Envelope: env, gateway: g, consumer: consumer, maxDeliver: maxDeliver}
	}
	return msgs, nil
}

// DeadLetter publishes an annotated envelope to the dead-letter subject.
// The only thing allowed to fail a dead-letter publish is a fatal backend
// error — the caller decides whether to drop or crash.
func (g *Gateway) DeadLetter(ctx context.Context, env Envelope, reason string) error {
	dle := DeadLetterEnvelope{
		OriginalSubject:   env.Subject,
		OriginalTimestamp: env.Timestamp,
		Reason:            reason,
		Deliveries:        env.Deliveries,
		Payload:           env.Payload,
		DeadLetteredAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(dle)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	_, err = g.Publish(ctx, SubjectDeadLetter, data, "")
	if err != nil && !errors.Is(err, ErrDuplicateID) {
		return fmt.Errorf("dead letter publish: %w", err)
	}
	if g.metrics != nil {
		g.metrics.IncDeadLetter(reason)
	}

	g.dlqMu.Lock()
	g.dlqRecent = append(g.dlqRecent, dle)
	if len(g.dlqRecent) > dlqRingSize {
		g.dlqRecent = g.dlqRecent[len(g.dlqRecent)-dlqRingSize:]
	}
	g.dlqMu.Unlock()

	g.logger.Printf("dead-lettered message from %s: %s", env.Subject, reason)
	return nil
}

// RecentDeadLetters returns up to limit of the most recent dead-letter
// envelopes, newest first.
func (g *Gateway) RecentDeadLetters(limit int) []DeadLetterEnvelope {
	g.dlqMu.Lock()
	defer g.dlqMu.Unlock()
	if limit <= 0 || limit > len(g.dlqRecent) {
		limit = len(g.dlqRecent)
	}
	out := make([]DeadLetterEnvelope, limit)
	for i := 0; i < limit; i++ {
		out[i] = g.dlqRecent[len(g.dlqRecent)-1-i]
	}
	return out
}

// TakeDeadLetters removes and returns up to limit of the oldest ring
// entries for reprocessing.
func (g *Gateway) TakeDeadLetters(limit int) []DeadLetterEnvelope {
	g.dlqMu.Lock()
	defer g.dlqMu.Unlock()
	if limit <= 0 || limit > len(g.dlqRecent) {
		limit = len(g.dlqRecent)
	}
	out := make([]DeadLetterEnvelope, limit)
	copy(out, g.dlqRecent[:limit])
	g.dlqRecent = g.dlqRecent[limit:]
	return out
}

// PublishDeadLetter routes an arbitrary payload (not yet persisted) to the
// dead-letter subject. Used by the backpressure controller and ETL when a
// retry chain is exhausted before the message ever reached a stream.
func (g *Gateway) PublishDeadLetter(ctx context.Context, originalSubject string, payload []byte, reason string) error {
	env := Envelope{Subject: originalSubject, Payload: payload, Timestamp: time.Now().UTC()}
	return g.DeadLetter(ctx, env, reason)
}

// StreamInfo returns the observable state of one stream.
func (g *Gateway) StreamInfo(ctx context.Context, name string) (StreamInfo, error) {
	return g.backend.StreamInfo(ctx, name)
}

// Streams lists all streams.
func (g *Gateway) Streams(ctx context.Context) ([]StreamInfo, error) {
	return g.backend.Streams(ctx)
}

// HealthCheck publishes a synthetic message on the health subject and
// asserts an ack under the deadline carried by ctx.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	payload := []byte(fmt.Sprintf(`{"ping":%d}`, time.Now().UnixNano()))
	done := make(chan error, 1)

	go func() {
		_, err := g.Publish(ctx, SubjectHealth, payload, "")
		if errors.Is(err, ErrDuplicateID) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("health publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("health check deadline: %w", ctx.Err())
	}
}
