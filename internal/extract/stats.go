package extract

import "sync"

// counts is one field's success/failure tally.
type counts struct {
	success int
	failure int
}

// Stats aggregates per-field extraction outcomes. Safe for concurrent use
// by all workers of a run.
type Stats struct {
	mu     sync.Mutex
	fields map[string]counts
}

// NewStats returns an empty counter set.
func NewStats() *Stats {
	return &Stats{fields: make(map[string]counts)}
}

// Record tallies one extraction outcome for the field.
func (s *Stats) Record(field string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.fields[field]
	if success {
		c.success++
	} else {
		c.failure++
	}
	s.fields[field] = c
}

// Counts returns the success and failure tallies for one field.
func (s *Stats) Counts(field string) (success, failure int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.fields[field]
	return c.success, c.failure
}

// Snapshot copies all tallies, keyed by field name.
func (s *Stats) Snapshot() map[string][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][2]int, len(s.fields))
	for name, c := range s.fields {
		out[name] = [2]int{c.success, c.failure}
	}
	return out
}
