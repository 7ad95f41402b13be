package alerting

import (
	"sync"
	"time"

	"stalewatch/internal/model"
)

// Store is a bounded in-memory ring of recent decisions, kept for the
// admin API. It is not the dedupe history; that lives in persistence.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertDecision
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(decision model.AlertDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, decision)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = decision
}

func (s *Store) List(limit int) []model.AlertDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertDecision, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertDecision, 0)
	for _, d := range s.buf {
		if !d.DecidedAt.Before(ts) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
