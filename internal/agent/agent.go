// Package agent defines the uniform invocation contract for the pluggable
// research capabilities and the executor that enforces timeout and retry
// policy on top of them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/travel"
)

// Capability identifiers. The orchestrator addresses every external
// research provider through one of these.
const (
	CapabilityFlight    = "flight"
	CapabilityHotel     = "hotel"
	CapabilityWeather   = "weather"
	CapabilityEvents    = "events"
	CapabilitySynthesis = "synthesis"
	CapabilityDelivery  = "delivery"
)

// Result statuses. Empty is a valid outcome distinct from Failed: the
// provider answered, there was just nothing to report.
const (
	StatusSuccess  = "success"
	StatusEmpty    = "empty"
	StatusFailed   = "failed"
	StatusTimedOut = "timed_out"
)

// Error kinds carried on failed results.
const (
	KindValidation = "validation"
	KindTransient  = "transient_provider"
	KindProvider   = "provider"
	KindTimeout    = "timeout"
)

// Input is the uniform payload handed to a capability.
type Input struct {
	Request travel.Request `json:"request"`
	Prefs   prefs.Resolved `json:"prefs"`
	// ConfirmedDates is set once the flight stage has settled; fan-out
	// branches and synthesis receive it as mandatory context.
	ConfirmedDates *travel.DateRange `json:"confirmed_dates,omitempty"`
	// Sections carries settled branch results into synthesis and delivery.
	Sections map[string]Result `json:"sections,omitempty"`
	// Narrative carries the synthesized text into delivery.
	Narrative string `json:"narrative,omitempty"`
	// Recipient addresses the delivery channel.
	Recipient string `json:"recipient,omitempty"`
}

// Output is what a capability produced on success.
type Output struct {
	Data map[string]interface{} `json:"data,omitempty"`
	// Empty marks a valid no-results answer; Reason says why.
	Empty  bool   `json:"empty,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Result is the settled outcome of one invocation. Exactly one branch of
// the workflow owns each Result; branches never write into each other.
type Result struct {
	Capability string                 `json:"capability"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Attempts   int                    `json:"attempts"`
	Duration   time.Duration          `json:"duration"`
}

// OK reports a successful invocation.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Settled reports whether the branch reached any terminal outcome.
func (r Result) Settled() bool { return r.Status != "" }

// Capability is the contract every research provider implements. Execute
// must honor ctx cancellation; the executor enforces the deadline.
type Capability interface {
	ID() string
	Execute(ctx context.Context, input Input) (Output, error)
}

// TransientError wraps a provider failure that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrCapabilityMissing indicates a required capability is not registered.
var ErrCapabilityMissing = errors.New("required capability missing")

// Registry holds the capability set, validated at startup so a miswired
// deployment fails before accepting work.
type Registry struct {
	caps map[string]Capability
}

// RequiredCapabilities is the default set a full deployment must provide.
func RequiredCapabilities() []string {
	return []string{CapabilityFlight, CapabilityHotel, CapabilityWeather, CapabilityEvents, CapabilitySynthesis, CapabilityDelivery}
}

// NewRegistry indexes capabilities by id and checks the required set.
func NewRegistry(caps []Capability, required []string) (*Registry, error) {
	reg := &Registry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c == nil || c.ID() == "" {
			return nil, fmt.Errorf("capability with empty id")
		}
		if _, dup := reg.caps[c.ID()]; dup {
			return nil, fmt.Errorf("duplicate capability: %s", c.ID())
		}
		reg.caps[c.ID()] = c
	}
	if required == nil {
		required = RequiredCapabilities()
	}
	for _, id := range required {
		if _, ok := reg.caps[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, id)
		}
	}
	return reg, nil
}

// Capability returns the registered capability for id.
func (r *Registry) Capability(id string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.caps[id]
	return c, ok
}
