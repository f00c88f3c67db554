package slo

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps measurement series in process. The Postgres-backed
// store in internal/storage implements the same interface for durable
// deployments.
type MemoryStore struct {
	mu     sync.Mutex
	series map[string][]Measurement // metric|service -> oldest first
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string][]Measurement)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(m Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := configKey(m.Metric, m.Service)
	s.series[key] = append(s.series[key], m)
	return nil
}

// Latest implements Store.
func (s *MemoryStore) Latest() ([]Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Measurement, 0, len(s.series))
	for _, series := range s.series {
		if len(series) > 0 {
			out = append(out, series[len(series)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Metric < out[j].Metric
	})
	return out, nil
}

// Range implements Store.
func (s *MemoryStore) Range(metric, service string, since time.Time) ([]Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.series[configKey(metric, service)]
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].MeasuredAt.Before(since)
	})
	out := make([]Measurement, len(series)-i)
	copy(out, series[i:])
	return out, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for key, series := range s.series {
		i := sort.Search(len(series), func(i int) bool {
			return !series[i].MeasuredAt.Before(before)
		})
		if i > 0 {
			pruned += i
			s.series[key] = append([]Measurement(nil), series[i:]...)
		}
		if len(s.series[key]) == 0 {
			delete(s.series, key)
		}
	}
	return pruned, nil
}

var _ Store = (*MemoryStore)(nil)
