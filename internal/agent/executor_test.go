package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubCapability struct {
	id      string
	outputs []Output
	errs    []error
	calls   int
	block   time.Duration
}

func (s *stubCapability) ID() string { return s.id }

func (s *stubCapability) Execute(ctx context.Context, input Input) (Output, error) {
	idx := s.calls
	s.calls++
	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Output{}, s.errs[idx]
	}
	if idx < len(s.outputs) {
		return s.outputs[idx], nil
	}
	return Output{Data: map[string]interface{}{"ok": true}}, nil
}

func newTestExecutor(t *testing.T, caps ...Capability) *Executor {
	t.Helper()
	ids := make([]string, 0, len(caps))
	for _, c := range caps {
		ids = append(ids, c.ID())
	}
	reg, err := NewRegistry(caps, ids)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewExecutor(reg, 2, time.Millisecond, nil, nil)
}

func TestInvokeSuccess(t *testing.T) {
	capability := &stubCapability{id: CapabilityFlight}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityFlight, Input{}, time.Second)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", res.Attempts)
	}
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	capability := &stubCapability{
		id:   CapabilityHotel,
		errs: []error{Transient(errors.New("503 from provider")), Transient(errors.New("503 again")), nil},
	}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityHotel, Input{}, time.Second)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestInvokeExhaustsTransientRetries(t *testing.T) {
	boom := Transient(errors.New("provider down"))
	capability := &stubCapability{id: CapabilityEvents, errs: []error{boom, boom, boom, boom}}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityEvents, Input{}, time.Second)
	if res.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.ErrorKind != KindTransient {
		t.Fatalf("expected transient kind, got %q", res.ErrorKind)
	}
	// First attempt plus two retries.
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestInvokeDoesNotRetryPermanentFailure(t *testing.T) {
	capability := &stubCapability{id: CapabilityWeather, errs: []error{errors.New("bad api key")}}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityWeather, Input{}, time.Second)
	if res.Status != StatusFailed || res.ErrorKind != KindProvider {
		t.Fatalf("expected permanent provider failure, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("permanent failures must not retry, got %d attempts", res.Attempts)
	}
}

func TestInvokeEmptyIsSettledNotRetried(t *testing.T) {
	capability := &stubCapability{id: CapabilityEvents, outputs: []Output{{Empty: true, Reason: "no listings for dates"}}}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityEvents, Input{}, time.Second)
	if res.Status != StatusEmpty {
		t.Fatalf("expected empty, got %+v", res)
	}
	if res.Reason != "no listings for dates" {
		t.Fatalf("expected reason carried, got %q", res.Reason)
	}
	if capability.calls != 1 {
		t.Fatalf("empty must not retry, got %d calls", capability.calls)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	capability := &stubCapability{id: CapabilityFlight, block: 500 * time.Millisecond}
	exec := newTestExecutor(t, capability)

	res := exec.Invoke(context.Background(), CapabilityFlight, Input{}, 20*time.Millisecond)
	if res.Status != StatusTimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.ErrorKind != KindTimeout {
		t.Fatalf("expected timeout kind, got %q", res.ErrorKind)
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	exec := newTestExecutor(t, &stubCapability{id: CapabilityFlight})

	res := exec.Invoke(context.Background(), "cruise", Input{}, time.Second)
	if res.Status != StatusFailed || res.ErrorKind != KindValidation {
		t.Fatalf("expected validation failure, got %+v", res)
	}
}

func TestRegistryRequiresFullSet(t *testing.T) {
	_, err := NewRegistry([]Capability{&stubCapability{id: CapabilityFlight}}, nil)
	if !errors.Is(err, ErrCapabilityMissing) {
		t.Fatalf("expected missing capability error, got %v", err)
	}
}
