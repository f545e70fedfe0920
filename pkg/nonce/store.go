// Package nonce implements the single-use nonce lifecycle store.
//
// A record is created when a challenge is issued and mutated exactly once,
// via MarkUsed, when a verification is accepted. Records are never removed
// during their validity window: replay detection depends on a used record
// staying visible until it expires.
package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/keyproof/keyproof-core/pkg/clock"
)

// Record is the stored state of an issued nonce.
type Record struct {
	ExpiresAt time.Time
	Used      bool
}

// MarkResult reports the outcome of a MarkUsed compare-and-swap.
type MarkResult int

const (
	// Marked means the used flag transitioned false -> true.
	Marked MarkResult = iota

	// AlreadyUsed means the flag was already true; the caller lost the race.
	AlreadyUsed

	// NotFound means no record exists for the nonce.
	NotFound
)

// Store tracks issued nonces. All three operations must be safe under
// arbitrary concurrency. MarkUsed must be a true compare-and-swap: a naive
// get+put loses single-use under races, and any distributed backend has to
// preserve the CAS semantics.
type Store interface {
	// TryAdd inserts the record if the nonce is absent. Returns false on
	// collision (first insert wins).
	TryAdd(ctx context.Context, nonce string, rec Record) (bool, error)

	// TryGet looks up the record for a nonce without mutating it.
	TryGet(ctx context.Context, nonce string) (Record, bool, error)

	// MarkUsed atomically flips the used flag from false to true.
	MarkUsed(ctx context.Context, nonce string) (MarkResult, error)
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// ReapInterval is how often expired records are swept (0 = no sweep).
	ReapInterval time.Duration

	// Grace is how long a record survives past its expiry before the
	// sweep may remove it. Used records must outlive their validity
	// window for replay detection.
	Grace time.Duration

	// Clock overrides the time source (for tests).
	Clock clock.Clock
}

// MemoryStore is a mutex-guarded map store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	clock   clock.Clock
	grace   time.Duration
}

// NewMemoryStore creates a MemoryStore and, if configured, starts the
// background reap loop.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	s := &MemoryStore{
		records: make(map[string]Record),
		clock:   clk,
		grace:   cfg.Grace,
	}
	if cfg.ReapInterval > 0 {
		go s.reapLoop(cfg.ReapInterval)
	}
	return s
}

// TryAdd implements Store.
func (s *MemoryStore) TryAdd(_ context.Context, nonce string, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[nonce]; exists {
		return false, nil
	}
	s.records[nonce] = rec
	return true, nil
}

// TryGet implements Store. Expired records are returned as-is; the caller
// observes now > ExpiresAt.
func (s *MemoryStore) TryGet(_ context.Context, nonce string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonce]
	return rec, ok, nil
}

// MarkUsed implements Store.
func (s *MemoryStore) MarkUsed(_ context.Context, nonce string) (MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonce]
	if !ok {
		return NotFound, nil
	}
	if rec.Used {
		return AlreadyUsed, nil
	}
	rec.Used = true
	s.records[nonce] = rec
	return Marked, nil
}

// Size returns the number of stored records.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.reap()
	}
}

// reap removes records past expiry + grace.
func (s *MemoryStore) reap() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for nonce, rec := range s.records {
		if now.After(rec.ExpiresAt.Add(s.grace)) {
			delete(s.records, nonce)
		}
	}
}
