package stats

import (
	"sync"
	"time"

	"stalewatch/internal/model"
)

// Store keeps the latest per-org run statistics for the admin API,
// bounded in size with oldest-updated eviction.
type Store struct {
	mu        sync.RWMutex
	byOrg     map[string]model.OrgStats
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byOrg:     make(map[string]model.OrgStats),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(orgID string, st model.OrgStats) {
	if orgID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOrg[orgID] = st
	s.updatedAt[orgID] = time.Now().UTC()
	if len(s.byOrg) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(orgID string) (model.OrgStats, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byOrg[orgID]
	if !ok {
		return model.OrgStats{}, time.Time{}, false
	}
	return st, s.updatedAt[orgID], true
}

func (s *Store) GetAll() map[string]model.OrgStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.OrgStats, len(s.byOrg))
	for orgID, st := range s.byOrg {
		out[orgID] = st
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestOrg string
	var oldest time.Time
	for orgID, ts := range s.updatedAt {
		if oldestOrg == "" || ts.Before(oldest) {
			oldestOrg = orgID
			oldest = ts
		}
	}
	if oldestOrg != "" {
		delete(s.byOrg, oldestOrg)
		delete(s.updatedAt, oldestOrg)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOrg = make(map[string]model.OrgStats)
	s.updatedAt = make(map[string]time.Time)
}
