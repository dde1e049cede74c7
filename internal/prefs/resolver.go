package prefs

import (
	"context"
	"fmt"
	"log"
	"math"
)

// Overrides carries request-level preference overrides. A nil pointer means
// "not supplied"; a non-nil slice replaces the stored slice wholesale.
type Overrides struct {
	DepartureWindow *string           `json:"departure_window,omitempty"`
	MaxStops        *int              `json:"max_stops,omitempty"`
	BudgetCeiling   *float64          `json:"budget_ceiling,omitempty"`
	MinHotelRating  *float64          `json:"min_hotel_rating,omitempty"`
	Accommodation   *string           `json:"accommodation,omitempty"`
	TravellerCount  *int              `json:"traveller_count,omitempty"`
	Interests       []string          `json:"interests,omitempty"`
	Exclusions      []string          `json:"exclusions,omitempty"`
	Framing         map[string]string `json:"framing,omitempty"`
}

// Adjustment is a bounded preference delta derived from feedback. Values
// are signed requests; the resolver clamps them to the configured step and
// to each field's own valid range before writing a version.
type Adjustment struct {
	MinHotelRating float64 `json:"min_hotel_rating,omitempty"`
	BudgetCeiling  float64 `json:"budget_ceiling,omitempty"`
	MaxStops       int     `json:"max_stops,omitempty"`
}

// Resolver merges stored profiles with request overrides and owns the only
// two paths that may create new profile versions.
type Resolver struct {
	store       Store
	logger      *log.Logger
	weightStep  float64
	weightDecay float64
}

// NewResolver creates a Resolver. weightStep bounds any single feedback
// delta; weightDecay in (0,1] shrinks the step on repeated adjustments.
func NewResolver(store Store, weightStep, weightDecay float64, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(log.Writer(), "[PREFS] ", log.LstdFlags)
	}
	if weightStep <= 0 {
		weightStep = 0.25
	}
	if weightDecay <= 0 || weightDecay > 1 {
		weightDecay = 1
	}
	return &Resolver{store: store, logger: logger, weightStep: weightStep, weightDecay: weightDecay}
}

// Resolve loads the requester's current profile version (or the built-in
// defaults) and deep-merges overrides on top. It is a pure read: nothing
// is persisted, and calling it twice with the same inputs yields the same
// output.
func (r *Resolver) Resolve(ctx context.Context, requesterID string, overrides *Overrides) (Resolved, error) {
	resolved := Resolved{Fields: Defaults(), UsingDefaults: true}
	profile, ok, err := r.store.LatestProfile(ctx, requesterID)
	if err != nil {
		return Resolved{}, fmt.Errorf("loading profile for %s: %w", requesterID, err)
	}
	if ok {
		resolved.Fields = profile.Fields
		resolved.ProfileVersion = profile.Version
		resolved.UsingDefaults = false
	}
	resolved.Fields = mergeOverrides(resolved.Fields, overrides)
	return resolved, nil
}

// ApplyUpdate validates a candidate update against the bounds schema and,
// on acceptance, appends a new immutable profile version. Unknown fields
// and out-of-bounds values are rejected outright; a natural-language edit
// can never smuggle arbitrary keys into the stored profile.
func (r *Resolver) ApplyUpdate(ctx context.Context, requesterID string, candidate map[string]interface{}) (Profile, error) {
	if requesterID == "" {
		return Profile{}, &RejectionError{Field: "requester_id", Reason: "required"}
	}
	if len(candidate) == 0 {
		return Profile{}, &RejectionError{Field: "update", Reason: "empty update"}
	}

	base := Defaults()
	if current, ok, err := r.store.LatestProfile(ctx, requesterID); err != nil {
		return Profile{}, err
	} else if ok {
		base = current.Fields
	}

	fields, err := applyCandidate(base, candidate)
	if err != nil {
		return Profile{}, err
	}

	version, err := r.store.AppendProfileVersion(ctx, requesterID, fields, OriginUpdate)
	if err != nil {
		return Profile{}, fmt.Errorf("appending profile version: %w", err)
	}
	r.logger.Printf("profile %s advanced to v%d (update)", requesterID, version.Version)
	return version, nil
}

// ApplyWeightAdjustment applies a feedback-derived delta, clamped to the
// configured step and each field's range, and appends a new version. The
// step decays geometrically with the number of prior feedback versions.
func (r *Resolver) ApplyWeightAdjustment(ctx context.Context, requesterID string, adj Adjustment) (Profile, error) {
	base := Defaults()
	if current, ok, err := r.store.LatestProfile(ctx, requesterID); err != nil {
		return Profile{}, err
	} else if ok {
		base = current.Fields
	}
	return r.applyAdjustment(ctx, requesterID, base, adj)
}

// ApplyWeightAdjustmentFrom applies the delta on top of a specific base
// version instead of the latest one. Replacing an earlier feedback
// adjustment re-derives from its original base, so resubmitted feedback
// never compounds. baseVersion 0 means the built-in defaults (the base of
// a profile that had no versions yet).
func (r *Resolver) ApplyWeightAdjustmentFrom(ctx context.Context, requesterID string, baseVersion int, adj Adjustment) (Profile, error) {
	base := Defaults()
	if baseVersion > 0 {
		snapshot, ok, err := r.store.ProfileVersion(ctx, requesterID, baseVersion)
		if err != nil {
			return Profile{}, err
		}
		if !ok {
			return Profile{}, &RejectionError{Field: "version", Reason: fmt.Sprintf("v%d not found", baseVersion)}
		}
		base = snapshot.Fields
	}
	return r.applyAdjustment(ctx, requesterID, base, adj)
}

func (r *Resolver) applyAdjustment(ctx context.Context, requesterID string, base ProfileFields, adj Adjustment) (Profile, error) {
	if requesterID == "" {
		return Profile{}, &RejectionError{Field: "requester_id", Reason: "required"}
	}

	step := r.weightStep
	if r.weightDecay < 1 {
		prior, err := r.store.CountProfileVersions(ctx, requesterID, OriginFeedback)
		if err != nil {
			return Profile{}, err
		}
		step = r.weightStep * math.Pow(r.weightDecay, float64(prior))
	}

	fields := base
	if adj.MinHotelRating != 0 {
		delta := clamp(adj.MinHotelRating, -step, step)
		fields.MinHotelRating = clamp(fields.MinHotelRating+delta, 0, maxHotelRating)
	}
	if adj.BudgetCeiling != 0 && fields.BudgetCeiling > 0 {
		// Budget moves by at most step as a fraction of the current ceiling.
		maxDelta := fields.BudgetCeiling * step
		delta := clamp(adj.BudgetCeiling, -maxDelta, maxDelta)
		fields.BudgetCeiling = math.Max(fields.BudgetCeiling+delta, minBudget)
	}
	if adj.MaxStops != 0 {
		delta := adj.MaxStops
		if delta > 1 {
			delta = 1
		}
		if delta < -1 {
			delta = -1
		}
		fields.MaxStops = clampInt(fields.MaxStops+delta, 0, maxStops)
	}

	version, err := r.store.AppendProfileVersion(ctx, requesterID, fields, OriginFeedback)
	if err != nil {
		return Profile{}, fmt.Errorf("appending profile version: %w", err)
	}
	r.logger.Printf("profile %s advanced to v%d (feedback, step=%.3f)", requesterID, version.Version, step)
	return version, nil
}

// mergeOverrides replaces profile leaves with any supplied override leaf.
func mergeOverrides(fields ProfileFields, o *Overrides) ProfileFields {
	if o == nil {
		return fields
	}
	if o.DepartureWindow != nil {
		fields.DepartureWindow = *o.DepartureWindow
	}
	if o.MaxStops != nil {
		fields.MaxStops = *o.MaxStops
	}
	if o.BudgetCeiling != nil {
		fields.BudgetCeiling = *o.BudgetCeiling
	}
	if o.MinHotelRating != nil {
		fields.MinHotelRating = *o.MinHotelRating
	}
	if o.Accommodation != nil {
		fields.Accommodation = *o.Accommodation
	}
	if o.TravellerCount != nil {
		fields.TravellerCount = *o.TravellerCount
	}
	if o.Interests != nil {
		fields.Interests = append([]string(nil), o.Interests...)
	}
	if o.Exclusions != nil {
		fields.Exclusions = append([]string(nil), o.Exclusions...)
	}
	if o.Framing != nil {
		fields.Framing = copyStringMap(o.Framing)
	}
	return fields
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
