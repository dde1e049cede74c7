// Package travel holds the shared data model for the research core.
package travel

import (
	"fmt"
	"time"
)

// DateRange is a confirmed departure/return pair in YYYY-MM-DD form.
type DateRange struct {
	Departure string `json:"departure"`
	Return    string `json:"return"`
}

// Valid reports whether the dates parse and are ordered. An empty return
// date means a one-way trip and is allowed.
func (d DateRange) Valid() bool {
	dep, err := time.Parse("2006-01-02", d.Departure)
	if err != nil {
		return false
	}
	if d.Return == "" {
		return true
	}
	ret, err := time.Parse("2006-01-02", d.Return)
	if err != nil {
		return false
	}
	return !ret.Before(dep)
}

// Request is the immutable intake of one research execution. It is created
// once at acceptance and identified everywhere by its content fingerprint;
// a changed request is a new request with a new fingerprint.
type Request struct {
	Fingerprint    string    `json:"fingerprint"`
	RequesterID    string    `json:"requester_id"`
	OriginCity     string    `json:"origin_city"`
	Destination    string    `json:"destination"`
	Dates          DateRange `json:"travel_dates"`
	BudgetCAD      float64   `json:"budget_cad"`
	TravellerCount int       `json:"traveller_count"`
	Interests      []string  `json:"activity_preferences,omitempty"`
	Accommodation  string    `json:"accommodation_preference,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	RawText        string    `json:"raw_text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the request invariants that must hold before any side
// effect happens.
func (r Request) Validate() error {
	if r.RequesterID == "" {
		return fmt.Errorf("requester_id required")
	}
	if r.OriginCity == "" {
		return fmt.Errorf("origin_city required")
	}
	if r.Destination == "" {
		return fmt.Errorf("destination required")
	}
	if !r.Dates.Valid() {
		return fmt.Errorf("travel_dates invalid: %q to %q", r.Dates.Departure, r.Dates.Return)
	}
	if r.BudgetCAD <= 0 {
		return fmt.Errorf("budget_cad must be positive")
	}
	return nil
}
