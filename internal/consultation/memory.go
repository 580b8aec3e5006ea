package consultation

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"medscribe/internal/audit"
	"medscribe/internal/errors"
)

// MemoryRepository keeps consultations in process. Every read returns a
// clone, so callers never observe a half-applied mutation.
type MemoryRepository struct {
	mu      sync.RWMutex
	items   map[uuid.UUID]*Consultation
	history map[uuid.UUID][]EditHistoryEntry
	events  *audit.MemoryStore
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:   make(map[uuid.UUID]*Consultation),
		history: make(map[uuid.UUID][]EditHistoryEntry),
		events:  audit.NewMemoryStore(),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, c *Consultation, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; ok {
		return errors.Newf("consultation %s already exists", c.ID).
			Component(component).
			Category(errors.CategoryDatabase).
			Build()
	}
	if err := r.events.Append(ctx, e); err != nil {
		return err
	}
	r.items[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, errors.NotFound(component, "consultation", id.String())
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Consultation
	for _, c := range r.items {
		if f.OwnerID != uuid.Nil && c.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListProcessing(_ context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var items []*Consultation
	for _, c := range r.items {
		if c.Status == StatusProcessing {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	ids := make([]uuid.UUID, 0, len(items))
	for _, c := range items {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *MemoryRepository) Commit(ctx context.Context, m Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.Consultation.ID
	if _, ok := r.items[id]; !ok {
		return errors.NotFound(component, "consultation", id.String())
	}
	if err := r.events.Append(ctx, m.Event); err != nil {
		return err
	}
	if m.History != nil {
		m.History.Seq = len(r.history[id]) + 1
		r.history[id] = append(r.history[id], *m.History)
	}
	r.items[id] = m.Consultation.Clone()
	return nil
}

func (r *MemoryRepository) History(_ context.Context, id uuid.UUID) ([]EditHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EditHistoryEntry(nil), r.history[id]...), nil
}

func (r *MemoryRepository) AppendEvent(ctx context.Context, e audit.Event) error {
	return r.events.Append(ctx, e)
}

func (r *MemoryRepository) Events(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	return r.events.List(ctx, q)
}
