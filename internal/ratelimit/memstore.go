package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process WindowStore. Each key owns a lock, so
// multi-tier admission is atomic per key without a global bottleneck.
// Production deployments use the Redis-backed store; this one serves
// tests and single-node setups.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*keyWindows
}

type keyWindows struct {
	mu    sync.Mutex
	tiers map[string][]entry // tier name -> timestamps ascending
}

type entry struct {
	ts        time.Time
	requestID string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*keyWindows)}
}

func (s *MemoryStore) window(key string) *keyWindows {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.keys[key]
	if !ok {
		w = &keyWindows{tiers: make(map[string][]entry)}
		s.keys[key] = w
	}
	return w
}

// Admit implements WindowStore. Tiers are evaluated in order; the first
// exhausted tier denies. Recording into every tier happens only when all
// tiers pass, under the key's lock.
func (s *MemoryStore) Admit(_ context.Context, key string, tiers []Tier, now time.Time, requestID string) (Decision, error) {
	w := s.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	counts := make([]int, len(tiers))
	for i, tier := range tiers {
		entries := evict(w.tiers[tier.Name], now.Add(-tier.Window))
		w.tiers[tier.Name] = entries
		counts[i] = len(entries)

		if counts[i] >= tier.Limit {
			retry := time.Duration(0)
			if len(entries) > 0 {
				retry = entries[0].ts.Add(tier.Window).Sub(now)
			}
			return Decision{
				Allowed:    false,
				RetryAfter: retry,
				DeniedTier: tier.Name,
			}, nil
		}
	}

	remaining := -1
	for i, tier := range tiers {
		w.tiers[tier.Name] = append(w.tiers[tier.Name], entry{ts: now, requestID: requestID})
		if r := tier.Limit - counts[i] - 1; remaining < 0 || r < remaining {
			remaining = r
		}
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Usage implements WindowStore.
func (s *MemoryStore) Usage(_ context.Context, key string, tiers []Tier, now time.Time) (map[string]int, error) {
	w := s.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]int, len(tiers))
	for _, tier := range tiers {
		entries := evict(w.tiers[tier.Name], now.Add(-tier.Window))
		w.tiers[tier.Name] = entries
		out[tier.Name] = len(entries)
	}
	return out, nil
}

// Reset implements WindowStore: clears every key under the prefix.
func (s *MemoryStore) Reset(_ context.Context, keyPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for key := range s.keys {
		if strings.HasPrefix(key, keyPrefix) {
			delete(s.keys, key)
			cleared++
		}
	}
	return cleared, nil
}

// evict drops entries older than the window's left edge. Entries are
// time-ordered, so a binary search finds the cut point.
func evict(entries []entry, leftEdge time.Time) []entry {
	i := sort.Search(len(entries), func(i int) bool {
		return !entries[i].ts.Before(leftEdge)
	})
	if i == 0 {
		return entries
	}
	return append([]entry(nil), entries[i:]...)
}

var _ WindowStore = (*MemoryStore)(nil)
