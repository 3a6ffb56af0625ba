package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ladder-trading-bot/internal/plan"
)

// MemoryStore is an in-memory Store for tests and dry-run mode.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string][]byte // deep copies via JSON, matching what Postgres round-trips
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, p *plan.EntryPlan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", p.ID, err)
	}
	s.mu.Lock()
	s.plans[p.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, planID string) error {
	s.mu.Lock()
	delete(s.plans, planID)
	s.mu.Unlock()
	return nil
}

// Get returns a stored plan by id, or nil. Test helper.
func (s *MemoryStore) Get(planID string) *plan.EntryPlan {
	s.mu.RLock()
	data, ok := s.plans[planID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	var p plan.EntryPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

func (s *MemoryStore) LoadActive(_ context.Context) ([]*plan.EntryPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plan.EntryPlan
	for _, data := range s.plans {
		var p plan.EntryPlan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if !p.IsTerminal() {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, includeTerminal bool) ([]*plan.EntryPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plan.EntryPlan
	for _, data := range s.plans {
		var p plan.EntryPlan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.UserID != userID {
			continue
		}
		if p.IsTerminal() && !includeTerminal {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, data := range s.plans {
		var p plan.EntryPlan
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		if p.IsTerminal() && p.CompletedAt != nil && p.CompletedAt.Before(cutoff) {
			delete(s.plans, id)
			purged++
		}
	}
	return purged, nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
