// Package breaker implements the per-subject circuit breaker used by the
// backpressure controller. A breaker suspends publishing on a subject after
// consecutive failures and probes recovery after a cooldown.
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, messages pass through
	StateOpen                  // Failure threshold exceeded, messages dropped
	StateHalfOpen              // Cooldown elapsed, probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed
	// state that trips the breaker.
	FailureThreshold int

	// RecoveryDelay is the initial open-state cooldown.
	RecoveryDelay time.Duration

	// MaxBackoff caps the cooldown growth from repeated half-open failures.
	MaxBackoff time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the standard subject-breaker tuning: trip after
// 5 consecutive failures, 30s cooldown doubling up to 5 minutes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryDelay:    30 * time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

// Breaker is a single circuit breaker instance.
//
// Transitions:
//   - closed  + N consecutive failures -> open, cooldownUntil = now + delay
//   - open    + cooldown elapsed       -> half_open (observed lazily)
//   - half_open + success              -> closed, counters reset
//   - half_open + failure              -> open, cooldown doubled (capped)
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	attempt       int // half-open failures since last close, drives backoff
	lastFailure   time.Time
	cooldownUntil time.Time
}

// New creates a breaker in the closed state.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the breaker's key (subject or token identity).
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed transitions to half_open and admits a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(time.Now())
	if b.state == StateOpen {
		return ErrOpen
	}
	return nil
}

// State returns the current state, applying any pending cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe(time.Now())
	return b.state
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.observe(now)

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.attempt = 0
		b.cooldownUntil = time.Time{}
		b.transition(StateClosed)
	}
}

// RecordFailure registers a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.observe(now)
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.cooldownUntil = now.Add(b.cfg.RecoveryDelay)
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed: reopen with exponentially extended cooldown.
		b.attempt++
		delay := b.cfg.RecoveryDelay << uint(b.attempt)
		if delay > b.cfg.MaxBackoff || delay <= 0 {
			delay = b.cfg.MaxBackoff
		}
		b.cooldownUntil = now.Add(delay)
		b.transition(StateOpen)
	}
}

// Snapshot returns the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe(time.Now())
	return Snapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		CooldownUntil: b.cooldownUntil,
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"lastFailure,omitempty"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
}

// observe applies the only time-driven transition: open -> half_open once
// the cooldown elapses. Callers must hold b.mu.
func (b *Breaker) observe(now time.Time) {
	if b.state == StateOpen && !b.cooldownUntil.After(now) {
		b.transition(StateHalfOpen)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		// Hook runs under the lock; keep callbacks cheap.
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// String implements fmt.Stringer.
func (b *Breaker) String() string {
	s := b.Snapshot()
	return fmt.Sprintf("Breaker[%s: state=%s failures=%d]", s.Name, s.State, s.Failures)
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager tracks one breaker per key, creating them on demand.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *log.Logger
}

// NewManager creates a manager using cfg for every new breaker.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Get returns the breaker for a key, creating it if necessary.
func (m *Manager) Get(key string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[key]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock
	if b, exists = m.breakers[key]; exists {
		return b
	}

	b = New(key, m.cfg)
	m.breakers[key] = b
	return b
}

// Peek returns the breaker for a key without creating one.
func (m *Manager) Peek(key string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[key]
	return b, ok
}

// OpenKeys returns the keys of all breakers currently open.
func (m *Manager) OpenKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []string
	for key, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, key)
		}
	}
	return open
}

// Snapshots returns the state of every tracked breaker.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for key, b := range m.breakers {
		out[key] = b.Snapshot()
	}
	return out
}
