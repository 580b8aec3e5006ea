// Package lock provides the per-consultation exclusive lock. Acquisition
// waits a bounded time and then fails with a busy error instead of queueing.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/errors"
)

// Locker hands out exclusive ownership of a consultation id.
type Locker interface {
	Acquire(ctx context.Context, id uuid.UUID) (release func(), err error)
}

// Observer is told how each acquisition went. It may be nil.
type Observer interface {
	LockAcquired(wait time.Duration)
	LockBusy()
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Manager is the in-process Locker.
type Manager struct {
	wait     time.Duration
	observer Observer

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

func NewManager(wait time.Duration, observer Observer) *Manager {
	return &Manager{
		wait:     wait,
		observer: observer,
		slots:    make(map[uuid.UUID]*slot),
	}
}

func (m *Manager) Acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	s := m.ref(id)
	start := time.Now()

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		m.unref(id)
		if m.observer != nil {
			m.observer.LockBusy()
		}
		return nil, errors.Busy("lock", id.String())
	case <-ctx.Done():
		m.unref(id)
		return nil, ctx.Err()
	}

	if m.observer != nil {
		m.observer.LockAcquired(time.Since(start))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(id)
		})
	}, nil
}

// Held reports whether id is currently locked or awaited.
func (m *Manager) Held(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[id]
	return ok
}

func (m *Manager) ref(id uuid.UUID) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[id] = s
	}
	s.refs++
	return s
}

func (m *Manager) unref(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(m.slots, id)
	}
}
