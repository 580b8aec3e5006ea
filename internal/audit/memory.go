package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps events in process. It backs tests and database-less runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	seen   map[uuid.UUID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[uuid.UUID]struct{})}
}

func (s *MemoryStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[e.ID]; dup {
		return nil
	}
	s.seen[e.ID] = struct{}{}
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.ResourceID != q.ResourceID {
			continue
		}
		if q.OwnerID != nil && e.OwnerID != *q.OwnerID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
