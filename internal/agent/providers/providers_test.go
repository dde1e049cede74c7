package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/travel"
)

func testInput() agent.Input {
	return agent.Input{
		Request: travel.Request{
			Fingerprint: "abc123",
			RequesterID: "user-1",
			OriginCity:  "Edmonton",
			Destination: "Tokyo",
			Dates:       travel.DateRange{Departure: "2026-10-01", Return: "2026-10-08"},
			BudgetCAD:   3000,
		},
		Prefs: prefs.Resolved{Fields: prefs.Defaults()},
	}
}

func TestFlightSearchFiltersStopsAndReportsLowestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/v1/security/oauth2/token"):
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case strings.HasSuffix(r.URL.Path, "/v2/shopping/flight-offers"):
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("missing bearer token, got %q", got)
			}
			if got := r.URL.Query().Get("originLocationCode"); got != "YEG" {
				t.Errorf("expected IATA origin YEG, got %q", got)
			}
			if got := r.URL.Query().Get("destinationLocationCode"); got != "NRT" {
				t.Errorf("expected IATA destination NRT, got %q", got)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"id": "1",
						"itineraries": []map[string]interface{}{{
							"duration": "PT11H",
							"segments": []map[string]string{{"carrierCode": "AC"}},
						}},
						"price": map[string]string{"total": "1450.00", "currency": "CAD"},
					},
					{
						"id": "2",
						"itineraries": []map[string]interface{}{{
							"duration": "PT30H",
							"segments": []map[string]string{{"carrierCode": "UA"}, {"carrierCode": "NH"}, {"carrierCode": "NH"}, {"carrierCode": "NH"}},
						}},
						"price": map[string]string{"total": "900.00", "currency": "CAD"},
					},
					{
						"id": "3",
						"itineraries": []map[string]interface{}{{
							"duration": "PT14H",
							"segments": []map[string]string{{"carrierCode": "NH"}, {"carrierCode": "NH"}},
						}},
						"price": map[string]string{"total": "1200.00", "currency": "CAD"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	capability := NewFlightCapability(config.AmadeusConfig{
		ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL, Timeout: time.Second,
	})
	out, err := capability.Execute(context.Background(), testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	offers := out.Data["offers"].([]FlightOffer)
	// Defaults allow at most 2 stops, so the 3-stop offer is dropped.
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers after stop filter, got %d", len(offers))
	}
	if got := out.Data["lowest_price"].(float64); got != 1200.00 {
		t.Fatalf("expected lowest price 1200, got %v", got)
	}
}

func TestFlightSearchEmptyWhenNothingMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/v1/security/oauth2/token") {
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer srv.Close()

	capability := NewFlightCapability(config.AmadeusConfig{
		ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL, Timeout: time.Second,
	})
	out, err := capability.Execute(context.Background(), testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Empty || out.Reason == "" {
		t.Fatalf("expected empty outcome with reason, got %+v", out)
	}
}

func TestHotelSearchFiltersByMinimumRating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Goog-Api-Key"); got != "places-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		if got := r.Header.Get("X-Goog-FieldMask"); !strings.Contains(got, "places.rating") {
			t.Errorf("field mask not set, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"places": []map[string]interface{}{
				{"displayName": map[string]string{"text": "Grand Tokyo"}, "rating": 4.6, "userRatingCount": 900},
				{"displayName": map[string]string{"text": "Budget Inn"}, "rating": 2.9, "userRatingCount": 40},
			},
		})
	}))
	defer srv.Close()

	capability := NewHotelCapability(config.PlacesConfig{APIKey: "places-key", Endpoint: srv.URL, Timeout: time.Second})
	out, err := capability.Execute(context.Background(), testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	hotels := out.Data["hotels"].([]Hotel)
	if len(hotels) != 1 || hotels[0].Name != "Grand Tokyo" {
		t.Fatalf("expected the low-rated hotel filtered out, got %+v", hotels)
	}
}

func TestEventsSearchSkipsExclusionsAndCapsQueries(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TextQuery string `json:"textQuery"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		queries = append(queries, body.TextQuery)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"places": []map[string]interface{}{
				{"displayName": map[string]string{"text": "Somewhere"}, "rating": 4.1},
			},
		})
	}))
	defer srv.Close()

	input := testInput()
	input.Prefs.Fields.Interests = []string{"nightlife", "museums", "food", "parks"}
	input.Prefs.Fields.Exclusions = []string{"nightlife"}

	capability := NewEventsCapability(config.PlacesConfig{APIKey: "k", Endpoint: srv.URL, Timeout: time.Second})
	out, err := capability.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 searches, got %d: %v", len(queries), queries)
	}
	for _, q := range queries {
		if strings.Contains(q, "nightlife") {
			t.Fatalf("excluded interest was searched: %v", queries)
		}
	}
	if len(out.Data["events"].([]Activity)) != 2 {
		t.Fatalf("expected one activity per searched interest, got %+v", out.Data)
	}
}

func TestWeatherSummarizesFirstDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("units"); got != "metric" {
			t.Errorf("expected metric units, got %q", got)
		}
		list := make([]map[string]interface{}, 0, 12)
		for i := 0; i < 12; i++ {
			temp := 10.0
			desc := "light rain"
			if i < 8 {
				temp = 20.0
				desc = "clear sky"
			}
			list = append(list, map[string]interface{}{
				"main":    map[string]float64{"temp": temp},
				"weather": []map[string]string{{"description": desc}},
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"city": map[string]string{"name": "Tokyo"},
			"list": list,
		})
	}))
	defer srv.Close()

	capability := NewWeatherCapability(config.OpenWeatherConfig{APIKey: "k", Endpoint: srv.URL, Timeout: time.Second})
	out, err := capability.Execute(context.Background(), testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Only the first 8 slots (roughly 24h) count toward the average.
	if got := out.Data["avg_temp"].(float64); got != 20.0 {
		t.Fatalf("expected avg 20.0 from first-day slots, got %v", got)
	}
	summary := out.Data["summary"].(string)
	if !strings.Contains(summary, "clear sky") || !strings.Contains(summary, "Tokyo") {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestSynthesisMarksMissingSectionsUnavailable(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, m := range body.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "Here is your trip plan."}},
			},
		})
	}))
	defer srv.Close()

	input := testInput()
	input.Sections = map[string]agent.Result{
		"flight":  {Capability: agent.CapabilityFlight, Status: agent.StatusSuccess, Data: map[string]interface{}{"lowest_price": 1200.0}},
		"hotel":   {Capability: agent.CapabilityHotel, Status: agent.StatusEmpty, Reason: "no lodging at or above rating 3.5"},
		"weather": {Capability: agent.CapabilityWeather, Status: agent.StatusTimedOut},
	}

	capability := NewSynthesisCapability(config.SummarizerConfig{APIKey: "k", BaseURL: srv.URL, Model: "m", Timeout: time.Second})
	out, err := capability.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.Data["narrative"].(string); got != "Here is your trip plan." {
		t.Fatalf("unexpected narrative: %q", got)
	}
	if !strings.Contains(prompt, "unavailable: no lodging at or above rating 3.5") {
		t.Fatalf("empty section not marked unavailable in prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "unavailable: research for this section did not complete") {
		t.Fatalf("timed-out section not marked unavailable in prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "lowest_price") {
		t.Fatalf("successful section data missing from prompt:\n%s", prompt)
	}
}

func TestSynthesisEmptyWhenNoSectionsSettledWithData(t *testing.T) {
	capability := NewSynthesisCapability(config.SummarizerConfig{APIKey: "k", BaseURL: "http://unused", Timeout: time.Second})
	input := testInput()
	input.Sections = map[string]agent.Result{
		"flight": {Status: agent.StatusTimedOut},
	}
	out, err := capability.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Empty {
		t.Fatalf("expected empty outcome without research data, got %+v", out)
	}
}

func TestDeliveryPostsDigest(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	capability := NewDeliveryCapability(config.DeliveryConfig{WebhookURL: srv.URL, Sender: "digest@travel", Timeout: time.Second})
	input := testInput()
	input.Narrative = "Here is your trip plan."
	out, err := capability.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if received["recipient"] != "user-1" {
		t.Fatalf("expected requester as fallback recipient, got %v", received["recipient"])
	}
	if received["narrative"] != "Here is your trip plan." {
		t.Fatalf("narrative not delivered: %v", received)
	}
	if out.Data["subject"].(string) == "" {
		t.Fatalf("expected subject in output")
	}
}

func TestDeliveryWithoutWebhookIsEmptyNotFailed(t *testing.T) {
	capability := NewDeliveryCapability(config.DeliveryConfig{Timeout: time.Second})
	input := testInput()
	input.Narrative = "text"
	out, err := capability.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Empty {
		t.Fatalf("expected empty outcome when unconfigured, got %+v", out)
	}
}

func TestDoJSONClassifiesServerErrorsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := doJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, nil)
	if !agent.IsTransient(err) {
		t.Fatalf("expected 503 to be transient, got %v", err)
	}
}

func TestDoJSONClientErrorsArePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := doJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, nil)
	if err == nil || agent.IsTransient(err) {
		t.Fatalf("expected permanent error for 400, got %v", err)
	}
}
