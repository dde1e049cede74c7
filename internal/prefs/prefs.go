package prefs

import (
	"context"
	"time"
)

// Departure window and accommodation enums accepted by the bounds schema.
const (
	WindowAny       = "any"
	WindowMorning   = "morning"
	WindowAfternoon = "afternoon"
	WindowEvening   = "evening"
)

const (
	StayAny       = "any"
	StayHotel     = "hotel"
	StayHostel    = "hostel"
	StayApartment = "apartment"
)

// ProfileFields is the full set of stored preference knobs. Every field
// either maps onto a downstream query parameter or lives in Framing, which
// only shapes the narrative and is tagged as such.
type ProfileFields struct {
	DepartureWindow string   `json:"departure_window"` // flight query: time-of-day filter
	MaxStops        int      `json:"max_stops"`        // flight query: stop limit
	BudgetCeiling   float64  `json:"budget_ceiling"`   // flight query: max price
	MinHotelRating  float64  `json:"min_hotel_rating"` // hotel query: rating floor
	Accommodation   string   `json:"accommodation"`    // hotel query: stay type
	TravellerCount  int      `json:"traveller_count"`  // flight+hotel query: party size
	Interests       []string `json:"interests"`        // events query: activity keywords
	Exclusions      []string `json:"exclusions"`       // events query: negative keywords
	// Framing holds narrative-only hints (tone, verbosity). It never feeds
	// a provider query.
	Framing map[string]string `json:"framing,omitempty"`
}

// Profile is one immutable version of a requester's stored preferences.
type Profile struct {
	RequesterID string        `json:"requester_id"`
	Version     int           `json:"version"`
	Fields      ProfileFields `json:"fields"`
	Origin      string        `json:"origin"` // "update" or "feedback"
	CreatedAt   time.Time     `json:"created_at"`
}

// Version origins.
const (
	OriginUpdate   = "update"
	OriginFeedback = "feedback"
)

// Resolved is the ephemeral per-execution merge of the stored profile and
// request-level overrides. It is never written back as a profile version.
type Resolved struct {
	Fields         ProfileFields `json:"fields"`
	ProfileVersion int           `json:"profile_version"`
	UsingDefaults  bool          `json:"using_defaults"`
}

// Defaults is the built-in profile used when a requester has no stored
// versions yet.
func Defaults() ProfileFields {
	return ProfileFields{
		DepartureWindow: WindowAny,
		MaxStops:        2,
		BudgetCeiling:   0, // unset; the request budget applies
		MinHotelRating:  3.5,
		Accommodation:   StayAny,
		TravellerCount:  1,
	}
}

// Store persists the append-only version log. AppendProfileVersion must be
// atomic per requester: concurrent appends never produce the same version.
type Store interface {
	LatestProfile(ctx context.Context, requesterID string) (Profile, bool, error)
	ProfileVersion(ctx context.Context, requesterID string, version int) (Profile, bool, error)
	AppendProfileVersion(ctx context.Context, requesterID string, fields ProfileFields, origin string) (Profile, error)
	CountProfileVersions(ctx context.Context, requesterID string, origin string) (int, error)
}
