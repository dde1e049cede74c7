package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryLedger is an in-process Ledger for tests and single-node runs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && l.now().Before(e.expiresAt) {
		if e.value == pendingMarker {
			return Outcome{}, nil
		}
		return Outcome{Existing: e.value}, nil
	}
	l.entries[key] = memoryEntry{value: pendingMarker, expiresAt: l.now().Add(ttl)}
	return Outcome{Fresh: true}, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, key string, result string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.value = result
		l.entries[key] = e
	} else {
		l.entries[key] = memoryEntry{value: result, expiresAt: l.now().Add(ContentTTL)}
	}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
