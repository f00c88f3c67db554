// Package backpressure keeps the ingestion pipeline inside a stable
// operating region. The controller watches four resource ratios, walks a
// degradation ladder, and applies four mitigation levers: sampling,
// priority queueing, adaptive batching, and per-subject circuit breakers.
package backpressure

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/breaker"
	"github.com/chrlshc/ofm-social-os-sub001/internal/delayqueue"
	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// Drop reasons reported in outcomes and events.
const (
	DropCircuitBreaker = "circuit_breaker"
	DropSampling       = "sampling"
	DropPriority       = "priority"
	DropQueueFull      = "queue_full"
	DropShutdown       = "shutdown"
	DropRetryExhausted = "retry_exhausted"
)

// ErrShuttingDown is returned by Publish once shutdown has begun.
var ErrShuttingDown = errors.New("backpressure controller is shutting down")

// Publisher is the downstream stream surface the controller dispatches to.
// *stream.Gateway satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) (stream.PublishReceipt, error)
	PublishDeadLetter(ctx context.Context, originalSubject string, payload []byte, reason string) error
}

// Sampler supplies resource readings to the monitoring ticker. The queue
// depth and publish rate are provided by the controller itself.
type Sampler interface {
	Sample() (memoryMB, cpuPercent float64)
}

// RuntimeSampler reads heap usage from the Go runtime. CPU readings come
// from an optional hook (host integration); without one they report zero.
type RuntimeSampler struct {
	CPUFunc func() float64
}

// Sample implements Sampler.
func (s RuntimeSampler) Sample() (float64, float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB := float64(ms.HeapAlloc) / (1 << 20)
	cpu := 0.0
	if s.CPUFunc != nil {
		cpu = s.CPUFunc()
	}
	return memMB, cpu
}

// Config tunes the controller.
type Config struct {
	Thresholds    Thresholds    `yaml:"thresholds"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MonitorEvery  time.Duration `yaml:"monitor_every"`
	DrainEvery    time.Duration `yaml:"drain_every"`
	RecoveryDelay time.Duration `yaml:"recovery_delay"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	MaxRetries    int           `yaml:"max_retries"`
}

// DefaultConfig returns the standard tuning: 1 Hz monitoring, 10 Hz drain.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		MaxQueueSize:  10000,
		MonitorEvery:  time.Second,
		DrainEvery:    100 * time.Millisecond,
		RecoveryDelay: 30 * time.Second,
		MaxBackoff:    5 * time.Minute,
		MaxRetries:    3,
	}
}

// Outcome is the structured result of an admission attempt.
type Outcome struct {
	Accepted   bool                   `json:"accepted"`
	Enqueued   bool                   `json:"enqueued"`
	DropReason string                 `json:"dropReason,omitempty"`
	Receipt    *stream.PublishReceipt `json:"receipt,omitempty"`
}

// Counters is the controller's cumulative metrics snapshot.
type Counters struct {
	Published    uint64            `json:"published"`
	Enqueued     uint64            `json:"enqueued"`
	Dropped      map[string]uint64 `json:"dropped"`
	Retries      uint64            `json:"retries"`
	DeadLettered uint64            `json:"deadLettered"`
	LevelChanges uint64            `json:"levelChanges"`
	QueueLen     int               `json:"queueLen"`
	CurrentLevel string            `json:"currentLevel"`
	SamplingRate float64           `json:"samplingRate"`
	BatchSize    int               `json:"batchSize"`
}

// ObservationHook receives controller observations; nil disables it.
type ObservationHook interface {
	IncDropped(reason, subject string)
	SetLevel(level Level)
	SetQueueDepth(n int)
}

// Controller is the backpressure controller.
type Controller struct {
	cfg       Config
	publisher Publisher
	sampler   Sampler
	emitter   events.Emitter
	hook      ObservationHook
	logger    *log.Logger

	queue    *PriorityQueue
	breakers *breaker.Manager
	retryQ   *delayqueue.Queue

	// state is single-writer: only the monitoring ticker mutates it.
	stateMu sync.RWMutex
	state   State

	rngMu sync.Mutex
	rng   *rand.Rand

	publishCount atomic.Uint64 // publishes since last monitor tick

	published    atomic.Uint64
	enqueued     atomic.Uint64
	retries      atomic.Uint64
	deadLettered atomic.Uint64
	levelChanges atomic.Uint64
	dropMu       sync.Mutex
	dropCounts   map[string]uint64

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	stop         context.CancelFunc
	done         chan struct{}
	inflight     sync.WaitGroup
}

// New creates a controller. Emitter and hook may be nil; sampler defaults
// to the runtime sampler.
func New(cfg Config, publisher Publisher, sampler Sampler, emitter events.Emitter, hook ObservationHook) *Controller {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.MonitorEvery <= 0 {
		cfg.MonitorEvery = time.Second
	}
	if cfg.DrainEvery <= 0 {
		cfg.DrainEvery = 100 * time.Millisecond
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if sampler == nil {
		sampler = RuntimeSampler{}
	}

	c := &Controller{
		cfg:        cfg,
		publisher:  publisher,
		sampler:    sampler,
		emitter:    emitter,
		hook:       hook,
		logger:     log.New(log.Writer(), "[BACKPRESSURE] ", log.LstdFlags),
		queue:      NewPriorityQueue(),
		retryQ:     delayqueue.New(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		dropCounts: make(map[string]uint64),
		done:       make(chan struct{}),
	}
	c.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold: 5,
		RecoveryDelay:    cfg.RecoveryDelay,
		MaxBackoff:       cfg.MaxBackoff,
		OnStateChange:    c.onBreakerChange,
	})
	c.state = State{
		Level:        LevelNone,
		LevelName:    LevelNone.String(),
		SamplingRate: 1.0,
		BatchSize:    1,
		UpdatedAt:    time.Now(),
	}
	return c
}

// Start launches the monitoring ticker, the drain ticker, and the retry
// worker. They run until ctx is cancelled or Shutdown is called.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.stop = context.WithCancel(ctx)

	go c.monitorLoop(ctx)
	go c.drainLoop(ctx)
	go c.retryLoop(ctx)
}

// ============================================================================
// ADMISSION
// ============================================================================

// Publish runs the admission pipeline for one message.
//
// Order is strict: shutdown, fast path, circuit breaker, sampling,
// priority drop, queue bound. Each stage may reject independently.
func (c *Controller) Publish(ctx context.Context, subject string, payload []byte, msgID string, priority stream.Priority) (Outcome, error) {
	if c.shuttingDown.Load() {
		return Outcome{DropReason: DropShutdown}, ErrShuttingDown
	}

	snap := c.Snapshot()

	// Fast path: all ratios below the ladder, send straight through.
	if snap.Level == LevelNone {
		receipt, err := c.publisher.Publish(ctx, subject, payload, msgID)
		c.publishCount.Add(1)
		if err != nil && !errors.Is(err, stream.ErrDuplicateID) {
			// Fast-path failure still feeds the subject breaker.
			c.breakers.Get(subject).RecordFailure()
			return Outcome{}, err
		}
		c.breakers.Get(subject).RecordSuccess()
		c.published.Add(1)
		return Outcome{Accepted: true, Receipt: &receipt}, nil
	}

	// a. Circuit breaker
	if err := c.breakers.Get(subject).Allow(); err != nil {
		c.drop(DropCircuitBreaker, subject)
		return Outcome{DropReason: DropCircuitBreaker}, nil
	}

	// b. Sampling
	if snap.SamplingRate < 1.0 && c.randFloat() >= snap.SamplingRate {
		c.drop(DropSampling, subject)
		return Outcome{DropReason: DropSampling}, nil
	}

	// c. Priority drop
	if dropped := c.priorityDrop(snap.Level, priority); dropped {
		c.drop(DropPriority, subject)
		return Outcome{DropReason: DropPriority}, nil
	}

	// d. Bounded enqueue (20% headroom over the configured max)
	if c.queue.Len() > int(float64(c.cfg.MaxQueueSize)*1.2) {
		c.drop(DropQueueFull, subject)
		return Outcome{DropReason: DropQueueFull}, nil
	}

	c.queue.Push(&QueuedMessage{
		Subject:  subject,
		Payload:  payload,
		MsgID:    msgID,
		Priority: priority,
	})
	c.enqueued.Add(1)
	return Outcome{Accepted: true, Enqueued: true}, nil
}

// priorityDrop applies the level-dependent priority filter.
func (c *Controller) priorityDrop(level Level, p stream.Priority) bool {
	switch level {
	case LevelCritical:
		return p == stream.PriorityLow
	case LevelHigh:
		return p == stream.PriorityLow && c.randFloat() < 0.7
	default:
		return false
	}
}

func (c *Controller) randFloat() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *Controller) drop(reason, subject string) {
	c.dropMu.Lock()
	c.dropCounts[reason]++
	c.dropMu.Unlock()
	if c.hook != nil {
		c.hook.IncDropped(reason, subject)
	}
	if c.emitter != nil {
		c.emitter.Emit(events.TypeMessageDropped, "backpressure", subject, map[string]interface{}{
			"reason": reason,
		})
	}
}

// ============================================================================
// DISPATCH
// ============================================================================

func (c *Controller) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DrainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

// drainOnce dispatches up to batchSize queued messages, grouped by subject.
// Within a drain, enqueue order is preserved per subject and priority class.
func (c *Controller) drainOnce(ctx context.Context) {
	snap := c.Snapshot()
	batch := c.queue.PopN(snap.BatchSize)
	if len(batch) == 0 {
		return
	}

	// Group by subject, keeping relative order inside each group.
	groups := make(map[string][]*QueuedMessage)
	order := make([]string, 0)
	for _, m := range batch {
		if _, ok := groups[m.Subject]; !ok {
			order = append(order, m.Subject)
		}
		groups[m.Subject] = append(groups[m.Subject], m)
	}

	for _, subject := range order {
		c.dispatchGroup(ctx, subject, groups[subject])
	}
}

func (c *Controller) dispatchGroup(ctx context.Context, subject string, msgs []*QueuedMessage) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	br := c.breakers.Get(subject)
	for _, m := range msgs {
		_, err := c.publisher.Publish(ctx, subject, m.Payload, m.MsgID)
		c.publishCount.Add(1)
		if err != nil && !errors.Is(err, stream.ErrDuplicateID) {
			br.RecordFailure()
			c.scheduleRetry(ctx, m)
			continue
		}
		br.RecordSuccess()
		c.published.Add(1)
	}
}

// scheduleRetry requeues a failed publish with exponential delay; after the
// retry budget the message is routed to the dead-letter subject.
func (c *Controller) scheduleRetry(ctx context.Context, m *QueuedMessage) {
	m.RetryCount++
	if m.RetryCount > c.cfg.MaxRetries {
		c.deadLettered.Add(1)
		if err := c.publisher.PublishDeadLetter(ctx, m.Subject, m.Payload, DropRetryExhausted); err != nil {
			c.logger.Printf("❌ dead-letter publish failed for %s: %v", m.Subject, err)
		}
		return
	}

	c.retries.Add(1)
	delay := time.Duration(1<<uint(m.RetryCount)) * time.Second
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	c.retryQ.PushAfter(delay, m)
}

func (c *Controller) retryLoop(ctx context.Context) {
	for {
		v, err := c.retryQ.Pop(ctx)
		if err != nil {
			return
		}
		m := v.(*QueuedMessage)
		c.queue.Push(m)
	}
}

// ============================================================================
// MONITORING
// ============================================================================

func (c *Controller) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MonitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Observe()
		}
	}
}

// Observe takes a resource sample, recomputes the degradation level, and
// applies lever adjustments. Called by the monitoring ticker; exported so
// tests can drive the controller deterministically.
func (c *Controller) Observe() {
	memMB, cpu := c.sampler.Sample()
	interval := c.cfg.MonitorEvery.Seconds()
	if interval <= 0 {
		interval = 1
	}
	rate := float64(c.publishCount.Swap(0)) / interval
	queueLen := c.queue.Len()

	res := Resources{
		MemoryMB:    memMB,
		QueueDepth:  float64(queueLen),
		PublishRate: rate,
		CPUPercent:  cpu,
	}
	c.ObserveResources(res)
}

// ObserveResources applies externally supplied readings. Test seam and
// host-integration entry point.
func (c *Controller) ObserveResources(res Resources) {
	ratios := RatiosOf(res, c.cfg.Thresholds)
	r := ratios.Max()
	newLevel := LevelFor(r)
	tuning := TuningFor(newLevel)

	c.stateMu.Lock()
	oldLevel := c.state.Level
	c.state.Level = newLevel
	c.state.LevelName = newLevel.String()
	c.state.SamplingRate = tuning.SamplingRate
	c.state.BatchSize = tuning.BatchSize
	c.state.Resources = res
	c.state.Ratios = ratios
	c.state.MaxRatio = r
	c.state.QueueLen = c.queue.Len()
	c.state.OpenCircuits = c.breakers.OpenKeys()
	c.state.ShuttingDown = c.shuttingDown.Load()
	c.state.UpdatedAt = time.Now()
	c.stateMu.Unlock()

	if c.hook != nil {
		c.hook.SetLevel(newLevel)
		c.hook.SetQueueDepth(int(res.QueueDepth))
	}

	if newLevel != oldLevel {
		c.levelChanges.Add(1)
		c.logger.Printf("degradation level %s -> %s (R=%.2f)", oldLevel, newLevel, r)
		if c.emitter != nil {
			c.emitter.Emit(events.TypeDegradationChanged, "backpressure", "", map[string]interface{}{
				"oldLevel": oldLevel.String(),
				"newLevel": newLevel.String(),
				"maxRatio": r,
			})
		}
	}
}

func (c *Controller) onBreakerChange(subject string, from, to breaker.State) {
	c.logger.Printf("circuit %s: %s -> %s", subject, from, to)
	if c.emitter != nil {
		c.emitter.Emit(events.TypeBreakerTransition, "backpressure", subject, map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// ============================================================================
// INTROSPECTION
// ============================================================================

// Snapshot returns a copy of the authoritative state.
func (c *Controller) Snapshot() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	s := c.state
	s.QueueLen = c.queue.Len()
	return s
}

// Thresholds returns the configured resource maxima.
func (c *Controller) Thresholds() Thresholds {
	return c.cfg.Thresholds
}

// Breakers exposes the subject breaker manager (read-mostly: analyzer use).
func (c *Controller) Breakers() *breaker.Manager {
	return c.breakers
}

// Metrics returns the cumulative counters.
func (c *Controller) Metrics() Counters {
	c.dropMu.Lock()
	drops := make(map[string]uint64, len(c.dropCounts))
	for k, v := range c.dropCounts {
		drops[k] = v
	}
	c.dropMu.Unlock()

	snap := c.Snapshot()
	return Counters{
		Published:    c.published.Load(),
		Enqueued:     c.enqueued.Load(),
		Dropped:      drops,
		Retries:      c.retries.Load(),
		DeadLettered: c.deadLettered.Load(),
		LevelChanges: c.levelChanges.Load(),
		QueueLen:     snap.QueueLen,
		CurrentLevel: snap.LevelName,
		SamplingRate: snap.SamplingRate,
		BatchSize:    snap.BatchSize,
	}
}

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown stops intake, drains the queue until empty or the ctx deadline,
// then cancels the workers. Repeated calls are no-ops after the first.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.shuttingDown.Store(true)
		c.logger.Printf("shutdown: draining %d queued messages", c.queue.Len())

		// Drain until empty or deadline.
		for c.queue.Len() > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				c.abandonQueue(context.Background())
				c.finishShutdown()
				return
			default:
			}
			c.drainOnce(ctx)
		}

		c.inflight.Wait()
		c.finishShutdown()
	})
	return err
}

// abandonQueue dead-letters whatever could not be drained under the deadline.
func (c *Controller) abandonQueue(ctx context.Context) {
	for {
		m := c.queue.Pop()
		if m == nil {
			break
		}
		c.deadLettered.Add(1)
		_ = c.publisher.PublishDeadLetter(ctx, m.Subject, m.Payload, DropShutdown)
	}
	for _, v := range c.retryQ.Drain() {
		m := v.(*QueuedMessage)
		c.deadLettered.Add(1)
		_ = c.publisher.PublishDeadLetter(ctx, m.Subject, m.Payload, DropShutdown)
	}
}

func (c *Controller) finishShutdown() {
	c.retryQ.Close()
	if c.stop != nil {
		c.stop()
	}
	close(c.done)
	c.logger.Printf("shutdown complete")
}

// Done is closed when shutdown has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
