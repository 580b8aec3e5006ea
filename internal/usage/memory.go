package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	seen    map[uuid.UUID]struct{}
	ledger  map[ledgerKey]LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:   make(map[uuid.UUID]struct{}),
		ledger: make(map[ledgerKey]LedgerEntry),
	}
}

func (s *MemoryStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[r.ID]; dup {
		return nil
	}
	s.seen[r.ID] = struct{}{}
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) ListByConsultation(_ context.Context, id uuid.UUID) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.ConsultationID.Valid && r.ConsultationID.UUID == id {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddToLedger(_ context.Context, entries []LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		key := ledgerKey{provider: e.Provider, day: e.Day}
		cur := s.ledger[key]
		cur.Provider, cur.Day = e.Provider, e.Day
		cur.Calls += e.Calls
		cur.Failures += e.Failures
		cur.Cost += e.Cost
		cur.RequestBytes += e.RequestBytes
		cur.ResponseBytes += e.ResponseBytes
		s.ledger[key] = cur
	}
	return nil
}

func (s *MemoryStore) MonthToDate(_ context.Context, provider string, now time.Time) (float64, error) {
	y, m, _ := now.UTC().Date()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for k, e := range s.ledger {
		ky, km, _ := k.day.Date()
		if k.provider == provider && ky == y && km == m {
			total += e.Cost
		}
	}
	return total, nil
}
