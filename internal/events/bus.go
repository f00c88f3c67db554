package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Emitter is the interface for publishing control-plane events.
// Components hold an Emitter so tests can substitute a recording bus.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Well-known event types emitted by the control plane.
const (
	TypeDegradationChanged = "backpressure.degradation_level_changed"
	TypeMessageDropped     = "backpressure.message_dropped"
	TypeBreakerTransition  = "backpressure.circuit_breaker_transition"
	TypeStrategyUpdated    = "strategy.updated"
	TypeStrategyChanged    = "strategy.changed"
	TypeSLOBreach          = "slo.breach"
	TypeMetricUpdate       = "etl.metric_update"
	TypeDataQuality        = "etl.data_quality"
)

// Event is the envelope for every control-plane notification: degradation
// transitions, drops, breaker flips, strategy changes, SLO breaches.
type Event struct {
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Subject string                 `json:"subject,omitempty"`
	Data    map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:    eventType,
		Source:  source,
		ID:      uuid.NewString(),
		Time:    time.Now(),
		Subject: subject,
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat returns the event in Server-Sent Events wire format.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is an in-process pub/sub fan-out. Subscribers receive events on
// buffered channels; a full channel drops rather than blocking the
// publisher — the hot path never waits on a slow listener.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event            // subscribers to every event
	logger      *log.Logger
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types.
// Pass no types to receive ALL events. The subscription lifetime is owned
// by the caller: call Unsubscribe when done.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// DroppedCount reports how many deliveries were skipped because a
// subscriber channel was full.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
