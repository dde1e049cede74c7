package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
)

const (
	hotelFieldMask  = "places.displayName,places.formattedAddress,places.priceLevel,places.rating,places.userRatingCount,places.websiteUri"
	eventsFieldMask = "places.displayName,places.formattedAddress,places.rating,places.userRatingCount,places.websiteUri"
)

type placeResult struct {
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string  `json:"formattedAddress"`
	Rating           float64 `json:"rating"`
	UserRatingCount  int     `json:"userRatingCount"`
	PriceLevel       string  `json:"priceLevel"`
	WebsiteURI       string  `json:"websiteUri"`
}

type placesClient struct {
	cfg    config.PlacesConfig
	client *http.Client
}

func newPlacesClient(cfg config.PlacesConfig) *placesClient {
	return &placesClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *placesClient) searchText(ctx context.Context, query, fieldMask string) ([]placeResult, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("places api key not configured")
	}
	maxResults := p.cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	headers := map[string]string{
		"X-Goog-Api-Key":   p.cfg.APIKey,
		"X-Goog-FieldMask": fieldMask,
	}
	body := map[string]interface{}{"textQuery": query, "maxResultCount": maxResults}
	var payload struct {
		Places []placeResult `json:"places"`
	}
	if err := doJSON(ctx, p.client, http.MethodPost, p.cfg.Endpoint, headers, body, &payload); err != nil {
		return nil, err
	}
	return payload.Places, nil
}

// Hotel is a simplified lodging option.
type Hotel struct {
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Rating     float64 `json:"rating"`
	Reviews    int     `json:"reviews"`
	PriceLevel string  `json:"price_level"`
	Website    string  `json:"website,omitempty"`
}

// HotelCapability searches lodging near the destination, filtered by the
// resolved minimum rating.
type HotelCapability struct {
	places *placesClient
}

// NewHotelCapability builds the hotel adapter.
func NewHotelCapability(cfg config.PlacesConfig) *HotelCapability {
	return &HotelCapability{places: newPlacesClient(cfg)}
}

func (h *HotelCapability) ID() string { return agent.CapabilityHotel }

func (h *HotelCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	stay := input.Prefs.Fields.Accommodation
	if stay == "" || stay == "any" {
		stay = "hotels"
	} else {
		stay += "s"
	}
	query := fmt.Sprintf("%s in %s", stay, input.Request.Destination)
	results, err := h.places.searchText(ctx, query, hotelFieldMask)
	if err != nil {
		return agent.Output{}, err
	}

	minRating := input.Prefs.Fields.MinHotelRating
	var hotels []Hotel
	for _, p := range results {
		if p.Rating > 0 && p.Rating < minRating {
			continue
		}
		hotels = append(hotels, Hotel{
			Name:       p.DisplayName.Text,
			Address:    p.FormattedAddress,
			Rating:     p.Rating,
			Reviews:    p.UserRatingCount,
			PriceLevel: orUnknown(p.PriceLevel),
			Website:    p.WebsiteURI,
		})
	}
	if len(hotels) == 0 {
		return agent.Output{Empty: true, Reason: fmt.Sprintf("no lodging at or above rating %.1f", minRating)}, nil
	}
	return agent.Output{Data: map[string]interface{}{
		"source":   "GooglePlaces",
		"hotels":   hotels,
		"location": input.Request.Destination,
	}}, nil
}

// Activity is a simplified local activity or venue.
type Activity struct {
	Interest string  `json:"interest"`
	Name     string  `json:"name"`
	Rating   float64 `json:"rating"`
	Address  string  `json:"address"`
	Website  string  `json:"website,omitempty"`
}

// EventsCapability searches local activities matching the resolved
// interest keywords, skipping exclusions.
type EventsCapability struct {
	places *placesClient
}

// NewEventsCapability builds the events adapter.
func NewEventsCapability(cfg config.PlacesConfig) *EventsCapability {
	return &EventsCapability{places: newPlacesClient(cfg)}
}

func (e *EventsCapability) ID() string { return agent.CapabilityEvents }

func (e *EventsCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	interests := input.Prefs.Fields.Interests
	if len(interests) == 0 {
		interests = input.Request.Interests
	}
	if len(interests) == 0 {
		interests = []string{"tourist attractions"}
	}
	excluded := make(map[string]bool, len(input.Prefs.Fields.Exclusions))
	for _, x := range input.Prefs.Fields.Exclusions {
		excluded[strings.ToLower(x)] = true
	}

	var activities []Activity
	// Two interests keeps the stage inside its branch timeout and quota.
	searched := 0
	for _, interest := range interests {
		if excluded[strings.ToLower(interest)] {
			continue
		}
		if searched == 2 {
			break
		}
		searched++
		query := fmt.Sprintf("%s in %s", interest, input.Request.Destination)
		results, err := e.places.searchText(ctx, query, eventsFieldMask)
		if err != nil {
			return agent.Output{}, err
		}
		for _, p := range results {
			activities = append(activities, Activity{
				Interest: interest,
				Name:     p.DisplayName.Text,
				Rating:   p.Rating,
				Address:  p.FormattedAddress,
				Website:  p.WebsiteURI,
			})
		}
	}

	if len(activities) == 0 {
		return agent.Output{Empty: true, Reason: "no activities found for the requested interests"}, nil
	}
	return agent.Output{Data: map[string]interface{}{
		"source":   "GooglePlaces",
		"events":   activities,
		"location": input.Request.Destination,
	}}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
