// Package workflow sequences one research execution through its stages and
// owns partial-failure aggregation. Everything stateful lives in the store;
// the orchestrator itself only holds policy.
package workflow

import (
	"context"
	"time"

	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/travel"
)

// Execution states. Pending is initial; Succeeded, Degraded and Failed are
// terminal and never left once entered.
const (
	StatePending   = "PENDING"
	StateFlight    = "FLIGHT"
	StateFanout    = "FANOUT"
	StateSynthesis = "SYNTHESIS"
	StateDelivery  = "DELIVERY"
	StateSucceeded = "SUCCEEDED"
	StateDegraded  = "DEGRADED"
	StateFailed    = "FAILED"
)

// Delivery status is tracked apart from the terminal state so a computed
// result survives a failed send.
const (
	DeliveryPending = "PENDING"
	Delivered       = "DELIVERED"
	DeliveryFailed  = "DELIVERY_FAILED"
	DeliverySkipped = "SKIPPED"
)

// Terminal reports whether state is one of the three outcome states.
func Terminal(state string) bool {
	return state == StateSucceeded || state == StateDegraded || state == StateFailed
}

// Execution is one accepted research request, identified by the request's
// content fingerprint. Transitions are recorded as append-only events.
type Execution struct {
	Fingerprint    string                  `json:"fingerprint"`
	RequesterID    string                  `json:"requester_id"`
	Request        travel.Request          `json:"request"`
	Prefs          prefs.Resolved          `json:"prefs"`
	State          string                  `json:"state"`
	Branches       map[string]agent.Result `json:"branches"`
	Narrative      string                  `json:"narrative,omitempty"`
	DeliveryStatus string                  `json:"delivery_status"`
	CreatedAt      time.Time               `json:"created_at"`
	Deadline       time.Time               `json:"deadline"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Branch returns the settled result for a capability, if any.
func (e *Execution) Branch(capability string) (agent.Result, bool) {
	r, ok := e.Branches[capability]
	return r, ok
}

// Event is one append-only state transition record.
type Event struct {
	Fingerprint string    `json:"fingerprint"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Store is the persistence the orchestrator needs. Implementations must
// make CreateExecution fail on a fingerprint collision so the ledger stays
// the only admission gate.
type Store interface {
	CreateExecution(ctx context.Context, ex *Execution) error
	UpdateExecution(ctx context.Context, ex *Execution) error
	Execution(ctx context.Context, fingerprint string) (Execution, bool, error)
	AppendEvent(ctx context.Context, ev Event) error
}
