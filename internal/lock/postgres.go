package lock

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/errors"
)

// AdvisoryLocker serialises consultations across processes with postgres
// session advisory locks. Each held lock pins one pooled connection.
type AdvisoryLocker struct {
	db       *sql.DB
	wait     time.Duration
	poll     time.Duration
	observer Observer
}

func NewAdvisoryLocker(db *sql.DB, wait time.Duration, observer Observer) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, wait: wait, poll: 50 * time.Millisecond, observer: observer}
}

// advisoryKey folds the uuid into the bigint key space of pg_advisory_lock.
func advisoryKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:]))
}

func (l *AdvisoryLocker) Acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	start := time.Now()
	deadline := start.Add(l.wait)
	key := advisoryKey(id)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock connection: %w", err)
	}

	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			if l.observer != nil {
				l.observer.LockBusy()
			}
			return nil, errors.Busy("lock", id.String())
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	if l.observer != nil {
		l.observer.LockAcquired(time.Since(start))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// unlock must run even when the caller's context is already done
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
			_ = conn.Close()
		})
	}, nil
}
