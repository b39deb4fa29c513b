package signal

import "sync"

// Store keeps the most recent signals in memory so dashboards can pull
// them back out without a database. Bounded ring per kind.
type Store struct {
	mu        sync.Mutex
	max       int
	anomalies []Anomaly
	rcas      []RCA
}

const defaultStoreCapacity = 200

// NewStore creates a bounded recent-signal store. max <= 0 uses the
// default capacity of 200 per kind.
func NewStore(max int) *Store {
	if max <= 0 {
		max = defaultStoreCapacity
	}
	return &Store{max: max}
}

func (s *Store) AddAnomaly(a Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, a)
	if len(s.anomalies) > s.max {
		s.anomalies = s.anomalies[len(s.anomalies)-s.max:]
	}
}

func (s *Store) AddRCA(r RCA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcas = append(s.rcas, r)
	if len(s.rcas) > s.max {
		s.rcas = s.rcas[len(s.rcas)-s.max:]
	}
}

// Recent returns up to limit of the newest signals of each kind,
// newest last.
func (s *Store) Recent(limit int) ([]Anomaly, []RCA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.max {
		limit = s.max
	}
	return tail(s.anomalies, limit), tail(s.rcas, limit)
}

func tail[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
