package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
)

type forecastPayload struct {
	City struct {
		Name string `json:"name"`
	} `json:"city"`
	List []struct {
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	} `json:"list"`
}

// WeatherCapability fetches a 5-day forecast and reduces it to a short
// first-24h summary for the narrative.
type WeatherCapability struct {
	cfg    config.OpenWeatherConfig
	client *http.Client
}

// NewWeatherCapability builds the weather adapter.
func NewWeatherCapability(cfg config.OpenWeatherConfig) *WeatherCapability {
	return &WeatherCapability{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *WeatherCapability) ID() string { return agent.CapabilityWeather }

func (w *WeatherCapability) Execute(ctx context.Context, input agent.Input) (agent.Output, error) {
	if w.cfg.APIKey == "" {
		return agent.Output{}, fmt.Errorf("openweather api key not configured")
	}
	params := url.Values{}
	params.Set("q", input.Request.Destination)
	params.Set("appid", w.cfg.APIKey)
	params.Set("units", "metric")
	params.Set("cnt", "40")

	var payload forecastPayload
	endpoint := fmt.Sprintf("%s?%s", w.cfg.Endpoint, params.Encode())
	if err := doJSON(ctx, w.client, http.MethodGet, endpoint, nil, nil, &payload); err != nil {
		return agent.Output{}, err
	}
	if len(payload.List) == 0 {
		return agent.Output{Empty: true, Reason: "no forecast data for destination"}, nil
	}

	summary, avgTemp := summarizeForecast(payload)
	return agent.Output{Data: map[string]interface{}{
		"source":   "OpenWeatherMap",
		"summary":  summary,
		"avg_temp": avgTemp,
		"location": input.Request.Destination,
	}}, nil
}

// summarizeForecast averages roughly the first 24h of 3-hour slots and
// picks the most frequent condition.
func summarizeForecast(payload forecastPayload) (string, float64) {
	city := payload.City.Name
	if city == "" {
		city = "the destination"
	}
	slots := payload.List
	if len(slots) > 8 {
		slots = slots[:8]
	}
	var total float64
	counts := make(map[string]int)
	for _, s := range slots {
		total += s.Main.Temp
		if len(s.Weather) > 0 {
			counts[s.Weather[0].Description]++
		}
	}
	avg := total / float64(len(slots))
	condition := "unknown conditions"
	best := 0
	for desc, n := range counts {
		if n > best {
			best = n
			condition = desc
		}
	}
	return fmt.Sprintf("Expect around %.1f°C with %s in %s.", avg, condition, city), avg
}
