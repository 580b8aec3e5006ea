package usage

import (
	"sync"
	"time"
)

// LedgerEntry is the usage delta of one provider on one day.
type LedgerEntry struct {
	Provider      string    `json:"provider"`
	Day           time.Time `json:"day"`
	Calls         int64     `json:"calls"`
	Failures      int64     `json:"failures"`
	Cost          float64   `json:"cost"`
	RequestBytes  int64     `json:"request_bytes"`
	ResponseBytes int64     `json:"response_bytes"`
}

type ledgerKey struct {
	provider string
	day      time.Time
}

// Ledger accumulates records in memory between flushes.
type Ledger struct {
	mu      sync.Mutex
	buckets map[ledgerKey]*LedgerEntry
}

func NewLedger() *Ledger {
	return &Ledger{buckets: make(map[ledgerKey]*LedgerEntry)}
}

func (l *Ledger) Add(r Record) {
	day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
	key := ledgerKey{provider: r.Provider, day: day}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &LedgerEntry{Provider: r.Provider, Day: day}
		l.buckets[key] = b
	}
	b.Calls++
	if !r.Success {
		b.Failures++
	}
	b.Cost += r.Cost
	b.RequestBytes += r.RequestBytes
	b.ResponseBytes += r.ResponseBytes
}

// Drain returns the accumulated deltas and resets the ledger.
func (l *Ledger) Drain() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, 0, len(l.buckets))
	for _, b := range l.buckets {
		out = append(out, *b)
	}
	l.buckets = make(map[ledgerKey]*LedgerEntry)
	return out
}

// Restore puts entries back after a failed flush.
func (l *Ledger) Restore(entries []LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		key := ledgerKey{provider: e.Provider, day: e.Day}
		b, ok := l.buckets[key]
		if !ok {
			entry := e
			l.buckets[key] = &entry
			continue
		}
		b.Calls += e.Calls
		b.Failures += e.Failures
		b.Cost += e.Cost
		b.RequestBytes += e.RequestBytes
		b.ResponseBytes += e.ResponseBytes
	}
}

// Pending returns the not yet flushed cost of provider in the month of now.
func (l *Ledger) Pending(provider string, now time.Time) float64 {
	y, m, _ := now.UTC().Date()
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for k, b := range l.buckets {
		by, bm, _ := k.day.Date()
		if k.provider == provider && by == y && bm == m {
			total += b.Cost
		}
	}
	return total
}
