package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
)

// iataByCity maps common demo cities to airport codes. Amadeus requires
// IATA codes; inputs that are already codes pass through untouched.
var iataByCity = map[string]string{
	"Edmonton":  "YEG",
	"London":    "LHR",
	"Paris":     "CDG",
	"Tokyo":     "NRT",
	"Vancouver": "YVR",
	"New York":  "JFK",
	"Toronto":   "YYZ",
}

// FlightOffer is the simplified shape handed downstream.
type FlightOffer struct {
	ID       string  `json:"id"`
	Carrier  string  `json:"carrier"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Duration string  `json:"duration"`
	Stops    int     `json:"stops"`
}

// FlightCapability searches Amadeus flight offers.
type FlightCapability struct {
	cfg    config.AmadeusConfig
	client *http.Client
}

// NewFlightCapability builds the flight adapter.
func NewFlightCapability(cfg config.AmadeusConfig) *FlightCapability {
	return &FlightCapability{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (f *FlightCapability) ID() string { return agent.CapabilityFlight }

// Execute exchanges credentials for a token and runs the offer search with
// the resolved preference filters applied.
func (f *FlightCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	if f.cfg.ClientID == "" || f.cfg.ClientSecret == "" {
		return agent.Output{}, fmt.Errorf("amadeus credentials not configured")
	}

	token, err := f.accessToken(ctx)
	if err != nil {
		return agent.Output{}, err
	}

	req := input.Request
	params := url.Values{}
	params.Set("originLocationCode", toIATA(req.OriginCity))
	params.Set("destinationLocationCode", toIATA(req.Destination))
	params.Set("departureDate", req.Dates.Departure)
	if req.Dates.Return != "" {
		params.Set("returnDate", req.Dates.Return)
	}
	adults := input.Prefs.Fields.TravellerCount
	if adults < 1 {
		adults = 1
	}
	params.Set("adults", strconv.Itoa(adults))
	params.Set("max", "5")
	budget := req.BudgetCAD
	if ceiling := input.Prefs.Fields.BudgetCeiling; ceiling > 0 && ceiling < budget {
		budget = ceiling
	}
	if budget > 0 {
		params.Set("maxPrice", strconv.Itoa(int(budget)))
		params.Set("currencyCode", "CAD")
	}

	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			Itineraries []struct {
				Duration string `json:"duration"`
				Segments []struct {
					CarrierCode string `json:"carrierCode"`
				} `json:"segments"`
			} `json:"itineraries"`
			Price struct {
				Total    string `json:"total"`
				Currency string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	}
	searchURL := fmt.Sprintf("%s/v2/shopping/flight-offers?%s", f.cfg.BaseURL, params.Encode())
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := doJSON(ctx, f.client, http.MethodGet, searchURL, headers, nil, &payload); err != nil {
		return agent.Output{}, err
	}

	maxStops := input.Prefs.Fields.MaxStops
	var offers []FlightOffer
	lowest := 0.0
	for _, d := range payload.Data {
		if len(d.Itineraries) == 0 {
			continue
		}
		it := d.Itineraries[0]
		stops := len(it.Segments) - 1
		if stops < 0 {
			stops = 0
		}
		if stops > maxStops {
			continue
		}
		carrier := "Unknown"
		if len(it.Segments) > 0 {
			carrier = it.Segments[0].CarrierCode
		}
		price, _ := strconv.ParseFloat(d.Price.Total, 64)
		offers = append(offers, FlightOffer{
			ID:       d.ID,
			Carrier:  carrier,
			Price:    price,
			Currency: d.Price.Currency,
			Duration: it.Duration,
			Stops:    stops,
		})
		if lowest == 0 || (price > 0 && price < lowest) {
			lowest = price
		}
		if len(offers) == 3 {
			break
		}
	}

	if len(offers) == 0 {
		return agent.Output{Empty: true, Reason: "no flight offers matched the search"}, nil
	}
	return agent.Output{Data: map[string]interface{}{
		"source":       "Amadeus",
		"offers":       offers,
		"lowest_price": lowest,
		"dates":        req.Dates,
	}}, nil
}

func (f *FlightCapability) accessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", f.cfg.ClientID)
	form.Set("client_secret", f.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL+"/v1/security/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", agent.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("amadeus token exchange: %s", resp.Status)
		if resp.StatusCode >= 500 {
			return "", agent.Transient(err)
		}
		return "", err
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := jsonDecode(resp.Body, &body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("amadeus token exchange: empty token")
	}
	return body.AccessToken, nil
}

// toIATA maps known cities to codes and passes likely codes through.
func toIATA(city string) string {
	if code, ok := iataByCity[city]; ok {
		return code
	}
	if len(city) == 3 {
		return strings.ToUpper(city)
	}
	return city
}
