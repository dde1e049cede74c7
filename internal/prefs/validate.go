package prefs

import (
	"fmt"
	"strings"
)

// Bounds for numeric preference fields.
const (
	maxStops          = 3
	maxHotelRating    = 5.0
	minBudget         = 1.0
	maxBudget         = 100000.0
	maxTravellerCount = 9
	maxKeywords       = 16
)

// RejectionError reports a candidate update that failed the bounds schema.
type RejectionError struct {
	Field  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("preference update rejected: %s: %s", e.Field, e.Reason)
}

var validWindows = map[string]bool{WindowAny: true, WindowMorning: true, WindowAfternoon: true, WindowEvening: true}
var validStays = map[string]bool{StayAny: true, StayHotel: true, StayHostel: true, StayApartment: true}

// applyCandidate validates every key of candidate against the bounds schema
// and merges accepted values onto base. The first violation aborts the whole
// update; a partially-applied update is never produced.
func applyCandidate(base ProfileFields, candidate map[string]interface{}) (ProfileFields, error) {
	fields := base
	for key, raw := range candidate {
		switch key {
		case "departure_window":
			v, err := asString(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if !validWindows[v] {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("unknown window %q", v)}
			}
			fields.DepartureWindow = v
		case "max_stops":
			v, err := asInt(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if v < 0 || v > maxStops {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("must be between 0 and %d", maxStops)}
			}
			fields.MaxStops = v
		case "budget_ceiling":
			v, err := asFloat(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if v < minBudget || v > maxBudget {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("must be between %.0f and %.0f", minBudget, maxBudget)}
			}
			fields.BudgetCeiling = v
		case "min_hotel_rating":
			v, err := asFloat(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if v < 0 || v > maxHotelRating {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("must be between 0 and %.0f", maxHotelRating)}
			}
			fields.MinHotelRating = v
		case "accommodation":
			v, err := asString(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if !validStays[v] {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("unknown accommodation %q", v)}
			}
			fields.Accommodation = v
		case "traveller_count":
			v, err := asInt(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			if v < 1 || v > maxTravellerCount {
				return ProfileFields{}, &RejectionError{Field: key, Reason: fmt.Sprintf("must be between 1 and %d", maxTravellerCount)}
			}
			fields.TravellerCount = v
		case "interests":
			v, err := asKeywords(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			fields.Interests = v
		case "exclusions":
			v, err := asKeywords(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			fields.Exclusions = v
		case "framing":
			v, err := asFraming(key, raw)
			if err != nil {
				return ProfileFields{}, err
			}
			fields.Framing = v
		default:
			return ProfileFields{}, &RejectionError{Field: key, Reason: "unknown field"}
		}
	}
	return fields, nil
}

func asString(field string, raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", &RejectionError{Field: field, Reason: "expected string"}
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", &RejectionError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func asFloat(field string, raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, &RejectionError{Field: field, Reason: "expected number"}
	}
}

func asInt(field string, raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, &RejectionError{Field: field, Reason: "expected integer"}
		}
		return int(v), nil
	default:
		return 0, &RejectionError{Field: field, Reason: "expected integer"}
	}
}

func asKeywords(field string, raw interface{}) ([]string, error) {
	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []interface{}:
		for _, it := range v {
			s, ok := it.(string)
			if !ok {
				return nil, &RejectionError{Field: field, Reason: "expected array of strings"}
			}
			items = append(items, s)
		}
	default:
		return nil, &RejectionError{Field: field, Reason: "expected array of strings"}
	}
	if len(items) > maxKeywords {
		return nil, &RejectionError{Field: field, Reason: fmt.Sprintf("at most %d entries", maxKeywords)}
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, &RejectionError{Field: field, Reason: "entries must not be empty"}
		}
		out = append(out, s)
	}
	return out, nil
}

func asFraming(field string, raw interface{}) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]interface{}:
		for k, it := range v {
			s, ok := it.(string)
			if !ok {
				return nil, &RejectionError{Field: field, Reason: "expected string values"}
			}
			out[k] = s
		}
	default:
		return nil, &RejectionError{Field: field, Reason: "expected object of strings"}
	}
	return out, nil
}
