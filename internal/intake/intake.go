// Package intake turns the external intent parser's output into an accepted
// research request. The parser is a black box; its self-reported status is
// never trusted, the readiness rule is re-checked here.
package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/ike1112/travel-agent/internal/ledger"
	"github.com/ike1112/travel-agent/internal/travel"
)

// Parser statuses. ReadyToProcess holds only when every required field is
// present, regardless of what the upstream parser claimed.
const (
	StatusReady              = "READY_TO_PROCESS"
	StatusNeedsClarification = "NEEDS_CLARIFICATION"
)

var requiredFields = []string{"origin_city", "destination", "departure_date", "budget_cad"}

// ParsedIntent is the contract of the external intent parser: extracted
// fields plus the parser's own view of what is missing.
type ParsedIntent struct {
	Status         string   `json:"status"`
	OriginCity     string   `json:"origin_city"`
	Destination    string   `json:"destination"`
	DepartureDate  string   `json:"departure_date"`
	ReturnDate     string   `json:"return_date"`
	BudgetCAD      float64  `json:"budget_cad"`
	TravellerCount int      `json:"traveller_count"`
	Interests      []string `json:"activity_preferences"`
	Accommodation  string   `json:"accommodation_preference"`
	Notes          string   `json:"notes"`
	MissingFields  []string `json:"missing_required_fields"`
	BudgetWarning  string   `json:"budget_warning"`
}

// ClarificationError reports which required fields are still missing.
type ClarificationError struct {
	Missing []string
}

func (e *ClarificationError) Error() string {
	return fmt.Sprintf("needs clarification, missing: %s", strings.Join(e.Missing, ", "))
}

// MissingRequired recomputes the missing-field set locally.
func (p ParsedIntent) MissingRequired() []string {
	var missing []string
	for _, f := range requiredFields {
		switch f {
		case "origin_city":
			if strings.TrimSpace(p.OriginCity) == "" {
				missing = append(missing, f)
			}
		case "destination":
			if strings.TrimSpace(p.Destination) == "" {
				missing = append(missing, f)
			}
		case "departure_date":
			if strings.TrimSpace(p.DepartureDate) == "" {
				missing = append(missing, f)
			}
		case "budget_cad":
			if p.BudgetCAD <= 0 {
				missing = append(missing, f)
			}
		}
	}
	return missing
}

// EffectiveStatus applies the readiness rule to the recomputed missing set.
func (p ParsedIntent) EffectiveStatus() string {
	if len(p.MissingRequired()) == 0 {
		return StatusReady
	}
	return StatusNeedsClarification
}

// Accept turns a parsed intent into an immutable request, or a
// ClarificationError when required fields are missing. The fingerprint is
// derived from the normalized raw text so resubmissions of the same message
// dedupe; when no raw text exists the structured fields are hashed instead.
func Accept(requesterID, rawText string, p ParsedIntent) (travel.Request, error) {
	if requesterID == "" {
		return travel.Request{}, fmt.Errorf("requester id required")
	}
	if missing := p.MissingRequired(); len(missing) > 0 {
		return travel.Request{}, &ClarificationError{Missing: missing}
	}

	basis := rawText
	if strings.TrimSpace(basis) == "" {
		basis = fmt.Sprintf("%s|%s|%s|%s|%s|%.2f", requesterID, p.OriginCity, p.Destination, p.DepartureDate, p.ReturnDate, p.BudgetCAD)
	}

	req := travel.Request{
		Fingerprint:    ledger.Fingerprint(basis),
		RequesterID:    requesterID,
		OriginCity:     p.OriginCity,
		Destination:    p.Destination,
		Dates:          travel.DateRange{Departure: p.DepartureDate, Return: p.ReturnDate},
		BudgetCAD:      p.BudgetCAD,
		TravellerCount: p.TravellerCount,
		Interests:      p.Interests,
		Accommodation:  p.Accommodation,
		Notes:          p.Notes,
		RawText:        rawText,
		CreatedAt:      time.Now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return travel.Request{}, err
	}
	return req, nil
}
