package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"medscribe/internal/logging"
)

// Observer receives provider call outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveProviderCall(provider, operation string, ok bool, cost float64)
	ObserveBudgetExceeded(provider string)
}

// Publisher mirrors records to an event stream.
type Publisher interface {
	Publish(ctx context.Context, key, id string, value any) error
}

type Option func(*Recorder)

func WithObserver(o Observer) Option { return func(r *Recorder) { r.observer = o } }

func WithPublisher(p Publisher) Option { return func(r *Recorder) { r.stream = p } }

// WithMonthlyBudget sets the per-provider month-to-date spend above which a
// warning is raised. Zero disables the check.
func WithMonthlyBudget(limit float64) Option { return func(r *Recorder) { r.budget = limit } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// Recorder writes usage records and keeps the rolling ledger. A record that
// cannot be stored is kept in a backlog and retried on every flush.
type Recorder struct {
	store    Store
	stream   Publisher
	observer Observer
	ledger   *Ledger
	budget   float64
	now      func() time.Time

	mu      sync.Mutex
	pending []Record
	warned  map[string]string
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		ledger: NewLedger(),
		now:    time.Now,
		warned: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores rec, assigning an id and timestamp when missing. It only
// fails when the record is malformed; storage errors put it in the backlog.
func (r *Recorder) Record(ctx context.Context, rec Record) Record {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	logger := logging.NewLogger(ctx).WithFields(map[string]any{
		"usage_id": rec.ID,
		"provider": rec.Provider,
		"op":       rec.Operation,
	})

	if r.observer != nil {
		r.observer.ObserveProviderCall(rec.Provider, rec.Operation, rec.Success, rec.Cost)
	}
	r.ledger.Add(rec)

	if err := r.store.Append(ctx, rec); err != nil {
		logger.Warnf("usage record queued for retry: %v", err)
		r.mu.Lock()
		r.pending = append(r.pending, rec)
		r.mu.Unlock()
	}

	if r.stream != nil {
		if err := r.stream.Publish(ctx, rec.Provider, rec.ID.String(), rec); err != nil {
			logger.Debugf("usage stream publish failed: %v", err)
		}
	}

	r.checkBudget(ctx, rec.Provider)
	return rec
}

func (r *Recorder) checkBudget(ctx context.Context, provider string) {
	if r.budget <= 0 {
		return
	}
	now := r.now().UTC()
	month := now.Format("2006-01")

	r.mu.Lock()
	already := r.warned[provider] == month
	r.mu.Unlock()
	if already {
		return
	}

	stored, err := r.store.MonthToDate(ctx, provider, now)
	if err != nil {
		logging.NewLogger(ctx).Debugf("month to date lookup failed: %v", err)
	}
	total := stored + r.ledger.Pending(provider, now)
	if total <= r.budget {
		return
	}

	r.mu.Lock()
	if r.warned[provider] == month {
		r.mu.Unlock()
		return
	}
	r.warned[provider] = month
	r.mu.Unlock()

	logging.NewLogger(ctx).WithFields(map[string]any{
		"provider": provider,
		"spend":    total,
		"budget":   r.budget,
	}).Warnf("monthly provider budget exceeded")
	if r.observer != nil {
		r.observer.ObserveBudgetExceeded(provider)
	}
}

// Flush retries the backlog and writes accumulated ledger deltas.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	backlog := r.pending
	r.pending = nil
	r.mu.Unlock()

	var firstErr error
	var failed []Record
	for _, rec := range backlog {
		if err := r.store.Append(ctx, rec); err != nil {
			failed = append(failed, rec)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}

	entries := r.ledger.Drain()
	if len(entries) == 0 {
		return firstErr
	}
	if err := r.store.AddToLedger(ctx, entries); err != nil {
		r.ledger.Restore(entries)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Backlog returns the number of records waiting to be stored.
func (r *Recorder) Backlog() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	logger := logging.NewLogger(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				logger.Errorf("final usage flush failed, %d records unsaved: %v", r.Backlog(), err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				logger.Warnf("usage flush failed: %v", err)
			}
		}
	}
}
