// Package watchlist drives the scheduled price monitoring sweep over
// tracked destinations.
package watchlist

import (
	"context"
	"fmt"
	"time"

	"github.com/ike1112/travel-agent/internal/travel"
)

// Item statuses. Only WATCHING items are swept.
const (
	StatusWatching     = "WATCHING"
	StatusThresholdMet = "THRESHOLD_MET"
	StatusPaused       = "PAUSED"
)

// Item is one tracked destination, owned by a requester and mutated only by
// the monitor.
type Item struct {
	ID               string           `json:"id"`
	RequesterID      string           `json:"requester_id"`
	OriginCity       string           `json:"origin_city"`
	Destination      string           `json:"destination"`
	Period           travel.DateRange `json:"period"`
	ThresholdCAD     float64          `json:"threshold_cad"`
	LastCheckedPrice float64          `json:"last_checked_price"`
	LastCheckedDate  string           `json:"last_checked_date,omitempty"`
	Status           string           `json:"status"`
	AlertCount       int              `json:"alert_count"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Validate checks an item before it is stored.
func (i Item) Validate() error {
	if i.RequesterID == "" {
		return fmt.Errorf("requester_id required")
	}
	if i.OriginCity == "" || i.Destination == "" {
		return fmt.Errorf("origin_city and destination required")
	}
	if !i.Period.Valid() {
		return fmt.Errorf("period invalid: %q to %q", i.Period.Departure, i.Period.Return)
	}
	if i.ThresholdCAD <= 0 {
		return fmt.Errorf("threshold_cad must be positive")
	}
	return nil
}

// ItemStore is the persistence the monitor needs.
type ItemStore interface {
	ListWatching(ctx context.Context) ([]Item, error)
	UpdateItem(ctx context.Context, item Item) error
}
