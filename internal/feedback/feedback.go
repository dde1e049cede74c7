// Package feedback turns post-outcome ratings into bounded preference
// adjustments.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// Ratings are per-section scores on a 1..5 scale; zero means unrated.
type Ratings struct {
	Flight  int    `json:"flight,omitempty"`
	Hotel   int    `json:"hotel,omitempty"`
	Weather int    `json:"weather,omitempty"`
	Events  int    `json:"events,omitempty"`
	Overall int    `json:"overall,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Validate checks every supplied score is on the scale.
func (r Ratings) Validate() error {
	for name, v := range map[string]int{
		"flight": r.Flight, "hotel": r.Hotel, "weather": r.Weather,
		"events": r.Events, "overall": r.Overall,
	} {
		if v < 0 || v > 5 {
			return fmt.Errorf("rating %s out of range: %d", name, v)
		}
	}
	if r.Flight == 0 && r.Hotel == 0 && r.Weather == 0 && r.Events == 0 && r.Overall == 0 {
		return errors.New("at least one rating required")
	}
	return nil
}

// Record links one feedback submission to its originating execution.
// BaseVersion is the profile version the adjustment was derived from;
// AppliedVersion is the version it produced.
type Record struct {
	Fingerprint    string    `json:"fingerprint"`
	RequesterID    string    `json:"requester_id"`
	Ratings        Ratings   `json:"ratings"`
	BaseVersion    int       `json:"base_version"`
	AppliedVersion int       `json:"applied_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists feedback records, one per execution fingerprint.
// ClaimFeedback must be atomic: concurrent claims for the same fingerprint
// observe exactly one true.
type Store interface {
	FeedbackByFingerprint(ctx context.Context, fingerprint string) (Record, bool, error)
	// ClaimFeedback inserts the record only when the fingerprint has no
	// record yet, reporting whether this caller won the claim.
	ClaimFeedback(ctx context.Context, rec Record) (bool, error)
	SaveFeedback(ctx context.Context, rec Record) error
}

// ExecutionSource resolves fingerprints to executions.
type ExecutionSource interface {
	Execution(ctx context.Context, fingerprint string) (workflow.Execution, bool, error)
}

// ErrExecutionNotFound rejects feedback for an unknown fingerprint.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrExecutionNotTerminal rejects feedback for a still-running execution.
var ErrExecutionNotTerminal = errors.New("execution not finished")

// Updater derives preference deltas from ratings and writes them through
// the resolver. Repeated feedback for the same fingerprint replaces the
// prior adjustment: it re-derives from the same base version instead of
// stacking on top of its own earlier result.
type Updater struct {
	store      Store
	executions ExecutionSource
	resolver   *prefs.Resolver
	logger     *log.Logger
	now        func() time.Time
}

// NewUpdater wires the updater.
func NewUpdater(store Store, executions ExecutionSource, resolver *prefs.Resolver, logger *log.Logger) *Updater {
	if logger == nil {
		logger = log.New(log.Writer(), "[FEEDBACK] ", log.LstdFlags)
	}
	return &Updater{store: store, executions: executions, resolver: resolver, logger: logger, now: time.Now}
}

// Record links ratings to a terminal execution and applies the derived
// adjustment, returning the stored record.
func (u *Updater) Record(ctx context.Context, fingerprint string, ratings Ratings) (Record, error) {
	if fingerprint == "" {
		return Record{}, errors.New("fingerprint required")
	}
	if err := ratings.Validate(); err != nil {
		return Record{}, err
	}

	ex, ok, err := u.executions.Execution(ctx, fingerprint)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrExecutionNotFound
	}
	if !workflow.Terminal(ex.State) {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrExecutionNotTerminal, fingerprint, ex.State)
	}

	adj := deriveAdjustment(ratings)

	resolved, err := u.resolver.Resolve(ctx, ex.RequesterID, nil)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Fingerprint: fingerprint,
		RequesterID: ex.RequesterID,
		Ratings:     ratings,
		// The base this adjustment derives from; a later replacement
		// re-derives from the same version so resubmitted feedback never
		// compounds. Zero means the built-in defaults.
		BaseVersion: resolved.ProfileVersion,
		CreatedAt:   u.now().UTC(),
	}

	// The claim is the serialization point for a fingerprint: exactly one
	// concurrent submission inserts the record, and every other one observes
	// the recorded base and takes the replace path.
	claimed, err := u.store.ClaimFeedback(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if !claimed {
		prior, ok, err := u.store.FeedbackByFingerprint(ctx, fingerprint)
		if err != nil {
			return Record{}, err
		}
		if ok {
			rec.BaseVersion = prior.BaseVersion
		}
		u.logger.Printf("replacing feedback for %s (base v%d)", fingerprint, rec.BaseVersion)
	}

	profile, err := u.resolver.ApplyWeightAdjustmentFrom(ctx, ex.RequesterID, rec.BaseVersion, adj)
	if err != nil {
		return Record{}, err
	}
	rec.AppliedVersion = profile.Version
	if err := u.store.SaveFeedback(ctx, rec); err != nil {
		return Record{}, err
	}
	u.logger.Printf("feedback for %s applied as profile v%d", fingerprint, profile.Version)
	return rec, nil
}

// deriveAdjustment maps ratings onto bounded preference deltas. The
// magnitudes here are requests; the resolver clamps them to the configured
// step and each field's range.
func deriveAdjustment(r Ratings) prefs.Adjustment {
	var adj prefs.Adjustment
	switch {
	case r.Hotel >= 4:
		// Well-rated lodging: tighten the rating floor toward that quality.
		adj.MinHotelRating = 1
	case r.Hotel > 0 && r.Hotel <= 2:
		// Poorly rated despite the filter: loosen it to widen the pool.
		adj.MinHotelRating = -1
	}
	if r.Flight > 0 && r.Flight <= 2 {
		// A bad flight experience usually means too many connections.
		adj.MaxStops = -1
	}
	return adj
}
