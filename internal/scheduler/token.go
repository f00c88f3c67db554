package scheduler

import (
	"sort"
	"sync"
	"time"
)

// BreakerState is the per-token circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// Breaker thresholds for token-level circuits. Unlike the subject breakers
// in the backpressure controller, token breakers decay their failure count
// on success instead of resetting it: a token that fails intermittently
// under load climbs toward open and walks back down as calls recover.
const (
	breakerFailureThreshold = 5
	breakerCooldown         = 5 * time.Minute
)

// Record is the scheduling state of one (token, platform) pair. All fields
// are guarded by mu; callers outside this package only ever see Snapshot
// copies.
type Record struct {
	mu sync.Mutex

	TokenID  string
	Platform string
	Active   bool
	Weight   int // 0 means unweighted

	LastScheduledAt    time.Time
	TotalScheduled     uint64
	TotalCompleted     uint64
	TotalFailed        uint64
	AvgCompletionMs    float64
	CooldownUntil      time.Time
	BreakerState       BreakerState
	BreakerFailures    int
	BreakerLastFailure time.Time
}

// Snapshot is a copy of a record safe to hand to callers and encoders.
type Snapshot struct {
	TokenID         string       `json:"tokenId"`
	Platform        string       `json:"platform"`
	Active          bool         `json:"active"`
	Weight          int          `json:"weight,omitempty"`
	LastScheduledAt time.Time    `json:"lastScheduledAt"`
	TotalScheduled  uint64       `json:"totalScheduled"`
	TotalCompleted  uint64       `json:"totalCompleted"`
	TotalFailed     uint64       `json:"totalFailed"`
	AvgCompletionMs float64      `json:"avgCompletionMs"`
	CooldownUntil   *time.Time   `json:"cooldownUntil,omitempty"`
	BreakerState    BreakerState `json:"breakerState"`
	BreakerFailures int          `json:"breakerFailures"`
}

func (r *Record) snapshotLocked() Snapshot {
	s := Snapshot{
		TokenID:         r.TokenID,
		Platform:        r.Platform,
		Active:          r.Active,
		Weight:          r.Weight,
		LastScheduledAt: r.LastScheduledAt,
		TotalScheduled:  r.TotalScheduled,
		TotalCompleted:  r.TotalCompleted,
		TotalFailed:     r.TotalFailed,
		AvgCompletionMs: r.AvgCompletionMs,
		BreakerState:    r.BreakerState,
		BreakerFailures: r.BreakerFailures,
	}
	if !r.CooldownUntil.IsZero() {
		cd := r.CooldownUntil
		s.CooldownUntil = &cd
	}
	return s
}

// Snapshot returns a copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// eligibleLocked applies the selection invariant: active, cooldown elapsed,
// breaker not open. An open breaker past its cooldown transitions to
// half_open here, so eligibility checks double as the time-driven edge of
// the breaker state machine.
func (r *Record) eligibleLocked(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.BreakerState == BreakerOpen {
		if now.Before(r.CooldownUntil) {
			return false
		}
		r.BreakerState = BreakerHalfOpen
	}
	if !r.CooldownUntil.IsZero() && now.Before(r.CooldownUntil) {
		return false
	}
	return true
}

// recordSuccessLocked walks the breaker back toward closed: decrement the
// failure counter (floor 0); at or below one failure the breaker closes and
// the cooldown clears. A success observed while open (past cooldown) goes
// through half_open first.
func (r *Record) recordSuccessLocked(durationMs float64) {
	r.TotalCompleted++
	if r.TotalCompleted == 1 {
		r.AvgCompletionMs = durationMs
	} else {
		// Exponential moving average, same smoothing the monitoring
		// ticker uses for publish rates.
		r.AvgCompletionMs = r.AvgCompletionMs*0.8 + durationMs*0.2
	}

	if r.BreakerState == BreakerOpen {
		r.BreakerState = BreakerHalfOpen
	}
	if r.BreakerFailures > 0 {
		r.BreakerFailures--
	}
	if r.BreakerFailures <= 1 {
		r.BreakerState = BreakerClosed
		r.CooldownUntil = time.Time{}
	}
}

func (r *Record) recordFailureLocked(now time.Time) {
	r.TotalFailed++
	r.BreakerFailures++
	r.BreakerLastFailure = now
	if r.BreakerState == BreakerHalfOpen || r.BreakerFailures >= breakerFailureThreshold {
		r.BreakerState = BreakerOpen
		r.CooldownUntil = now.Add(breakerCooldown)
	}
}

// registry holds token records keyed by (tokenID, platform).
type registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*Record)}
}

func recordKey(tokenID, platform string) string { return tokenID + "|" + platform }

func (g *registry) get(tokenID, platform string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[recordKey(tokenID, platform)]
	return r, ok
}

func (g *registry) upsert(tokenID, platform string, weight int) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := recordKey(tokenID, platform)
	if r, ok := g.records[key]; ok {
		r.mu.Lock()
		r.Active = true
		r.Weight = weight
		r.mu.Unlock()
		return r
	}
	r := &Record{
		TokenID:      tokenID,
		Platform:     platform,
		Active:       true,
		Weight:       weight,
		BreakerState: BreakerClosed,
	}
	g.records[key] = r
	return r
}

// byPlatform returns the platform's records in stable token order — the
// tie-break for fair-share selection.
func (g *registry) byPlatform(platform string) []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Record
	for _, r := range g.records {
		if r.Platform == platform {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}
