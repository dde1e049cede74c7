package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReserveExactlyOneFreshUnderRace(t *testing.T) {
	l := NewMemoryLedger()
	key := ContentKey("fly me to tokyo in may under 2000")

	const callers = 32
	var fresh int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := l.Reserve(context.Background(), key, ContentTTL)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if out.Fresh {
				atomic.AddInt64(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh reservation, got %d", fresh)
	}
}

func TestDuplicateResolvesToCompletedResult(t *testing.T) {
	l := NewMemoryLedger()
	key := ContentKey("weekend in lisbon")

	out, err := l.Reserve(context.Background(), key, ContentTTL)
	if err != nil || !out.Fresh {
		t.Fatalf("first reserve should be fresh: %+v err=%v", out, err)
	}
	if err := l.Complete(context.Background(), key, "exec-123"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err = l.Reserve(context.Background(), key, ContentTTL)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if out.Fresh {
		t.Fatalf("second reserve must not be fresh")
	}
	if out.Existing != "exec-123" {
		t.Fatalf("expected recorded result, got %q", out.Existing)
	}
}

func TestReleaseAllowsNewReservation(t *testing.T) {
	l := NewMemoryLedger()
	key := TemporalKey("item-1", time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	if out, _ := l.Reserve(context.Background(), key, TemporalTTL); !out.Fresh {
		t.Fatalf("first reserve should be fresh")
	}
	if err := l.Release(context.Background(), key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if out, _ := l.Reserve(context.Background(), key, TemporalTTL); !out.Fresh {
		t.Fatalf("reserve after release should be fresh")
	}
}

func TestTemporalKeyIsPerCalendarDay(t *testing.T) {
	morning := time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	nextDay := time.Date(2026, 3, 15, 0, 30, 0, 0, time.UTC)

	if TemporalKey("w1", morning) != TemporalKey("w1", evening) {
		t.Fatalf("same day must produce the same key")
	}
	if TemporalKey("w1", evening) == TemporalKey("w1", nextDay) {
		t.Fatalf("different days must produce different keys")
	}
	if TemporalKey("w1", morning) == TemporalKey("w2", morning) {
		t.Fatalf("different entities must produce different keys")
	}
}

func TestContentKeyNormalizesWhitespace(t *testing.T) {
	if ContentKey("  trip to oslo ") != ContentKey("trip to oslo") {
		t.Fatalf("surrounding whitespace must not change the key")
	}
	if ContentKey("trip to oslo") == ContentKey("trip to bergen") {
		t.Fatalf("distinct inputs must produce distinct keys")
	}
}
