package prefs

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type stubStore struct {
	profiles map[string][]Profile
}

func newStubStore() *stubStore {
	return &stubStore{profiles: make(map[string][]Profile)}
}

func (s *stubStore) LatestProfile(ctx context.Context, requesterID string) (Profile, bool, error) {
	versions := s.profiles[requesterID]
	if len(versions) == 0 {
		return Profile{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (s *stubStore) ProfileVersion(ctx context.Context, requesterID string, version int) (Profile, bool, error) {
	for _, p := range s.profiles[requesterID] {
		if p.Version == version {
			return p, true, nil
		}
	}
	return Profile{}, false, nil
}

func (s *stubStore) AppendProfileVersion(ctx context.Context, requesterID string, fields ProfileFields, origin string) (Profile, error) {
	p := Profile{RequesterID: requesterID, Version: len(s.profiles[requesterID]) + 1, Fields: fields, Origin: origin}
	s.profiles[requesterID] = append(s.profiles[requesterID], p)
	return p, nil
}

func (s *stubStore) CountProfileVersions(ctx context.Context, requesterID string, origin string) (int, error) {
	n := 0
	for _, p := range s.profiles[requesterID] {
		if p.Origin == origin {
			n++
		}
	}
	return n, nil
}

func TestResolveUsesDefaultsWhenNoProfile(t *testing.T) {
	r := NewResolver(newStubStore(), 0.25, 1, nil)
	got, err := r.Resolve(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.UsingDefaults {
		t.Fatalf("expected UsingDefaults=true")
	}
	if got.Fields.MinHotelRating != Defaults().MinHotelRating {
		t.Fatalf("expected default rating, got %v", got.Fields.MinHotelRating)
	}
}

func TestResolveIsPureAndOverrideWinsPerLeaf(t *testing.T) {
	store := newStubStore()
	r := NewResolver(store, 0.25, 1, nil)
	if _, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{
		"budget_ceiling": 2000.0,
		"interests":      []string{"hiking", "museums"},
	}); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	window := WindowMorning
	overrides := &Overrides{
		DepartureWindow: &window,
		Interests:       []string{"jazz"},
	}

	first, err := r.Resolve(context.Background(), "u1", overrides)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), "u1", overrides)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolve is not deterministic: %+v vs %+v", first, second)
	}

	if first.Fields.DepartureWindow != WindowMorning {
		t.Fatalf("override leaf should win, got %q", first.Fields.DepartureWindow)
	}
	if first.Fields.BudgetCeiling != 2000 {
		t.Fatalf("untouched profile leaf should survive, got %v", first.Fields.BudgetCeiling)
	}
	// Arrays replace, never append.
	if !reflect.DeepEqual(first.Fields.Interests, []string{"jazz"}) {
		t.Fatalf("override array should replace, got %v", first.Fields.Interests)
	}

	// A one-off override must never create a profile version.
	if len(store.profiles["u1"]) != 1 {
		t.Fatalf("resolve must not persist, have %d versions", len(store.profiles["u1"]))
	}
}

func TestApplyUpdateRejectsOutOfBounds(t *testing.T) {
	store := newStubStore()
	r := NewResolver(store, 0.25, 1, nil)
	if _, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{"budget_ceiling": 1500.0}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []map[string]interface{}{
		{"budget_ceiling": 0.0},
		{"min_hotel_rating": 99.0},
		{"max_stops": 7},
		{"departure_window": "midnight"},
		{"traveller_count": 0},
		{"favourite_color": "blue"}, // unknown field
	}
	for _, candidate := range cases {
		_, err := r.ApplyUpdate(context.Background(), "u1", candidate)
		var rej *RejectionError
		if !errors.As(err, &rej) {
			t.Fatalf("candidate %v: expected rejection, got %v", candidate, err)
		}
	}

	// Current version unchanged by rejections.
	latest, ok, _ := store.LatestProfile(context.Background(), "u1")
	if !ok || latest.Version != 1 || latest.Fields.BudgetCeiling != 1500 {
		t.Fatalf("rejections must leave the current version untouched: %+v", latest)
	}
}

func TestApplyUpdateAppendsImmutableVersions(t *testing.T) {
	store := newStubStore()
	r := NewResolver(store, 0.25, 1, nil)

	v1, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{"min_hotel_rating": 4.0})
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	v2, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{"min_hotel_rating": 4.5})
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if v2.Version != v1.Version+1 {
		t.Fatalf("expected monotonically increasing versions, got %d then %d", v1.Version, v2.Version)
	}

	// Prior versions remain readable and untouched.
	prior, ok, err := store.ProfileVersion(context.Background(), "u1", v1.Version)
	if err != nil || !ok {
		t.Fatalf("prior version unreadable: ok=%v err=%v", ok, err)
	}
	if prior.Fields.MinHotelRating != 4.0 {
		t.Fatalf("prior version mutated: %+v", prior.Fields)
	}
}

func TestApplyWeightAdjustmentClampsToStepAndRange(t *testing.T) {
	store := newStubStore()
	r := NewResolver(store, 0.25, 1, nil)
	if _, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{"min_hotel_rating": 4.9}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// An oversized delta is clamped to the step...
	v, err := r.ApplyWeightAdjustment(context.Background(), "u1", Adjustment{MinHotelRating: 3.0})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := v.Fields.MinHotelRating; !near(got, 5.0) {
		t.Fatalf("expected clamp to step then range, got %v", got)
	}

	// ...and the result never exceeds the field's own valid range.
	v, err = r.ApplyWeightAdjustment(context.Background(), "u1", Adjustment{MinHotelRating: 3.0})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := v.Fields.MinHotelRating; got > 5.0 {
		t.Fatalf("rating pushed past its range: %v", got)
	}
}

func TestApplyWeightAdjustmentDecays(t *testing.T) {
	store := newStubStore()
	r := NewResolver(store, 0.4, 0.5, nil)
	if _, err := r.ApplyUpdate(context.Background(), "u1", map[string]interface{}{"min_hotel_rating": 3.0}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	v1, _ := r.ApplyWeightAdjustment(context.Background(), "u1", Adjustment{MinHotelRating: 1.0})
	if got := v1.Fields.MinHotelRating; !near(got, 3.4) {
		t.Fatalf("first step should be 0.4, got %v", got)
	}
	v2, _ := r.ApplyWeightAdjustment(context.Background(), "u1", Adjustment{MinHotelRating: 1.0})
	if got := v2.Fields.MinHotelRating; !near(got, 3.6) {
		t.Fatalf("second step should decay to 0.2, got %v", got)
	}
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
