package feedback

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// memPrefsStore keeps the version log in memory. delay simulates the write
// round-trip of a real store so races between readers and writers get a
// window to show up.
type memPrefsStore struct {
	mu       sync.Mutex
	delay    time.Duration
	versions map[string][]prefs.Profile
}

func (s *memPrefsStore) LatestProfile(ctx context.Context, requesterID string) (prefs.Profile, bool, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[requesterID]
	if len(vs) == 0 {
		return prefs.Profile{}, false, nil
	}
	return vs[len(vs)-1], true, nil
}

func (s *memPrefsStore) ProfileVersion(ctx context.Context, requesterID string, version int) (prefs.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.versions[requesterID] {
		if p.Version == version {
			return p, true, nil
		}
	}
	return prefs.Profile{}, false, nil
}

func (s *memPrefsStore) AppendProfileVersion(ctx context.Context, requesterID string, fields prefs.ProfileFields, origin string) (prefs.Profile, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions == nil {
		s.versions = make(map[string][]prefs.Profile)
	}
	p := prefs.Profile{RequesterID: requesterID, Version: len(s.versions[requesterID]) + 1, Fields: fields, Origin: origin}
	s.versions[requesterID] = append(s.versions[requesterID], p)
	return p, nil
}

func (s *memPrefsStore) CountProfileVersions(ctx context.Context, requesterID string, origin string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.versions[requesterID] {
		if p.Origin == origin {
			n++
		}
	}
	return n, nil
}

func (s *memPrefsStore) snapshot(requesterID string) []prefs.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prefs.Profile(nil), s.versions[requesterID]...)
}

type memFeedbackStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func (s *memFeedbackStore) FeedbackByFingerprint(ctx context.Context, fingerprint string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fingerprint]
	return rec, ok, nil
}

func (s *memFeedbackStore) ClaimFeedback(ctx context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	if _, exists := s.records[rec.Fingerprint]; exists {
		return false, nil
	}
	s.records[rec.Fingerprint] = rec
	return true, nil
}

func (s *memFeedbackStore) SaveFeedback(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	s.records[rec.Fingerprint] = rec
	return nil
}

type memExecutions struct {
	executions map[string]workflow.Execution
}

func (s *memExecutions) Execution(ctx context.Context, fingerprint string) (workflow.Execution, bool, error) {
	ex, ok := s.executions[fingerprint]
	return ex, ok, nil
}

type updaterHarness struct {
	updater *Updater
	prefs   *memPrefsStore
	records *memFeedbackStore
}

func newUpdaterHarness(t *testing.T, state string) *updaterHarness {
	t.Helper()
	h := &updaterHarness{prefs: &memPrefsStore{}, records: &memFeedbackStore{}}
	executions := &memExecutions{executions: map[string]workflow.Execution{
		"f1": {Fingerprint: "f1", RequesterID: "user-1", State: state},
	}}
	logger := log.New(nopWriter{}, "", 0)
	resolver := prefs.NewResolver(h.prefs, 0.25, 1, logger)
	h.updater = NewUpdater(h.records, executions, resolver, logger)
	return h
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestGoodHotelRatingRaisesFloor(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateSucceeded)

	rec, err := h.updater.Record(context.Background(), "f1", Ratings{Hotel: 5})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.AppliedVersion != 1 || rec.BaseVersion != 0 {
		t.Fatalf("unexpected versions: %+v", rec)
	}
	latest, _, _ := h.prefs.LatestProfile(context.Background(), "user-1")
	// Defaults 3.5 plus one bounded step of 0.25.
	if !near(latest.Fields.MinHotelRating, 3.75) {
		t.Fatalf("expected floor 3.75, got %v", latest.Fields.MinHotelRating)
	}
	if latest.Origin != prefs.OriginFeedback {
		t.Fatalf("expected feedback origin, got %q", latest.Origin)
	}
}

func TestRepeatedFeedbackReplacesNotCompounds(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateSucceeded)

	if _, err := h.updater.Record(context.Background(), "f1", Ratings{Hotel: 5}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	rec, err := h.updater.Record(context.Background(), "f1", Ratings{Hotel: 5})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}

	latest, _, _ := h.prefs.LatestProfile(context.Background(), "user-1")
	// Still one step above defaults: the resubmission replaced the first
	// adjustment instead of stacking a second one.
	if !near(latest.Fields.MinHotelRating, 3.75) {
		t.Fatalf("replacement compounded: floor %v", latest.Fields.MinHotelRating)
	}
	// History stays append-only: both versions exist.
	if latest.Version != 2 || rec.AppliedVersion != 2 || rec.BaseVersion != 0 {
		t.Fatalf("unexpected version chain: latest v%d, rec %+v", latest.Version, rec)
	}
}

func TestConcurrentFirstFeedbackDoesNotCompound(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateSucceeded)
	// Give the read-then-append window real width; with instant stores the
	// submissions serialize by accident and prove nothing.
	h.prefs.delay = 2 * time.Millisecond

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.updater.Record(context.Background(), "f1", Ratings{Hotel: 5}); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	// One claim wins; every other submission replaces from the same base, so
	// the floor moves exactly one bounded step no matter the interleaving.
	latest, _, _ := h.prefs.LatestProfile(context.Background(), "user-1")
	if !near(latest.Fields.MinHotelRating, 3.75) {
		t.Fatalf("concurrent submissions compounded: floor %v", latest.Fields.MinHotelRating)
	}
	for _, p := range h.prefs.snapshot("user-1") {
		if !near(p.Fields.MinHotelRating, 3.75) {
			t.Fatalf("v%d derived from a stacked base: %v", p.Version, p.Fields.MinHotelRating)
		}
	}
	rec, ok, _ := h.records.FeedbackByFingerprint(context.Background(), "f1")
	if !ok || rec.BaseVersion != 0 {
		t.Fatalf("stored record must keep the original base: %+v", rec)
	}
}

func TestBadFlightTightensStops(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateDegraded)

	if _, err := h.updater.Record(context.Background(), "f1", Ratings{Flight: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	latest, _, _ := h.prefs.LatestProfile(context.Background(), "user-1")
	if latest.Fields.MaxStops != 1 {
		t.Fatalf("expected max stops 1, got %d", latest.Fields.MaxStops)
	}
}

func TestFeedbackRejectedBeforeTerminal(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateFanout)

	_, err := h.updater.Record(context.Background(), "f1", Ratings{Overall: 4})
	if !errors.Is(err, ErrExecutionNotTerminal) {
		t.Fatalf("expected not-terminal rejection, got %v", err)
	}
	if len(h.records.records) != 0 {
		t.Fatal("rejected feedback must not be stored")
	}
}

func TestFeedbackRejectedForUnknownExecution(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateSucceeded)

	_, err := h.updater.Record(context.Background(), "missing", Ratings{Overall: 4})
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not-found rejection, got %v", err)
	}
}

func TestRatingsValidation(t *testing.T) {
	h := newUpdaterHarness(t, workflow.StateSucceeded)

	if _, err := h.updater.Record(context.Background(), "f1", Ratings{Hotel: 9}); err == nil {
		t.Fatal("out-of-scale rating must be rejected")
	}
	if _, err := h.updater.Record(context.Background(), "f1", Ratings{}); err == nil {
		t.Fatal("empty ratings must be rejected")
	}
}
