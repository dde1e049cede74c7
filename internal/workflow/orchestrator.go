package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/ledger"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/telemetry"
	"github.com/ike1112/travel-agent/internal/travel"
)

var fanoutCapabilities = []string{agent.CapabilityHotel, agent.CapabilityWeather, agent.CapabilityEvents}

// Orchestrator drives executions through
// PENDING -> FLIGHT -> FANOUT -> SYNTHESIS -> DELIVERY -> terminal.
type Orchestrator struct {
	store     Store
	ledger    ledger.Ledger
	resolver  *prefs.Resolver
	executor  *agent.Executor
	cfg       config.WorkflowConfig
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. All collaborators are required
// except telemetry and logger.
func NewOrchestrator(store Store, ldg ledger.Ledger, resolver *prefs.Resolver, executor *agent.Executor, cfg config.WorkflowConfig, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:     store,
		ledger:    ldg,
		resolver:  resolver,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
		telemetry: tele,
		now:       time.Now,
	}
}

// Submit admits a request. Exactly one submission per content fingerprint
// wins the ledger reservation and creates the execution; every other caller
// is resolved to the existing one. The returned bool is true for the winner,
// whose execution is still PENDING and must be driven with Run.
func (o *Orchestrator) Submit(ctx context.Context, req travel.Request, overrides *prefs.Overrides) (Execution, bool, error) {
	if err := req.Validate(); err != nil {
		return Execution{}, false, err
	}

	key := "req:" + req.Fingerprint
	outcome, err := o.ledger.Reserve(ctx, key, ledger.ContentTTL)
	if err != nil {
		// Fail closed: without a verified reservation nothing may run.
		return Execution{}, false, fmt.Errorf("reserving %s: %w", key, err)
	}
	if !outcome.Fresh {
		o.telemetry.RecordDuplicate(ledger.SpaceContent)
		o.logger.Printf("duplicate submission for %s resolved via ledger", req.Fingerprint)
		existing, ok, err := o.store.Execution(ctx, req.Fingerprint)
		if err != nil {
			return Execution{}, false, err
		}
		if !ok {
			// Reserved but not yet persisted by the winner; report it as
			// pending rather than inventing a result.
			existing = Execution{Fingerprint: req.Fingerprint, RequesterID: req.RequesterID, State: StatePending}
		}
		return existing, false, nil
	}

	resolved, err := o.resolver.Resolve(ctx, req.RequesterID, overrides)
	if err != nil {
		o.release(key)
		return Execution{}, false, err
	}

	now := o.now().UTC()
	ex := Execution{
		Fingerprint:    req.Fingerprint,
		RequesterID:    req.RequesterID,
		Request:        req,
		Prefs:          resolved,
		State:          StatePending,
		Branches:       make(map[string]agent.Result),
		DeliveryStatus: DeliveryPending,
		CreatedAt:      now,
		Deadline:       now.Add(o.cfg.ExecutionDeadline),
		UpdatedAt:      now,
	}
	if err := o.store.CreateExecution(ctx, &ex); err != nil {
		o.release(key)
		return Execution{}, false, fmt.Errorf("creating execution %s: %w", req.Fingerprint, err)
	}
	o.appendEvent(ctx, &ex, "", StatePending, "accepted")
	return ex, true, nil
}

// Run drives an accepted execution to a terminal state. The whole run lives
// under the wall-clock deadline fixed at acceptance; exceeding it cancels
// outstanding work and forces the error path.
func (o *Orchestrator) Run(ctx context.Context, ex *Execution) error {
	runCtx, cancel := context.WithDeadline(ctx, ex.Deadline)
	defer cancel()

	flight := o.runFlight(runCtx, ex)

	var confirmed *travel.DateRange
	if flight.OK() {
		dates := ex.Request.Dates
		confirmed = &dates
		o.runFanout(runCtx, ex, confirmed)
	} else {
		// Flight exhausted its retries; skip fan-out and go straight to
		// synthesis with the flight section marked absent.
		o.logger.Printf("%s flight settled %s, skipping fan-out", ex.Fingerprint, flight.Status)
	}

	synthesis := o.runSynthesis(runCtx, ex, confirmed)

	// The outcome is fixed before the delivery stage runs: a failed send
	// never invalidates the computed result, and a failed execution still
	// produces a labeled failure notice instead of silence.
	terminal := outcome(ex)
	o.transition(ctx, ex, StateDelivery, "")
	o.runDelivery(runCtx, ex, synthesis)
	o.transition(ctx, ex, terminal, "")

	if err := o.ledger.Complete(ctx, "req:"+ex.Fingerprint, terminal); err != nil {
		o.logger.Printf("recording result for %s: %v", ex.Fingerprint, err)
	}
	o.telemetry.RecordExecution(terminal)
	o.logger.Printf("%s finished %s (delivery %s)", ex.Fingerprint, terminal, ex.DeliveryStatus)
	return nil
}

func (o *Orchestrator) runFlight(ctx context.Context, ex *Execution) agent.Result {
	o.transition(ctx, ex, StateFlight, "")
	input := agent.Input{Request: ex.Request, Prefs: ex.Prefs}
	res := o.executor.Invoke(ctx, agent.CapabilityFlight, input, o.cfg.BranchTimeout)
	o.recordBranch(ctx, ex, res)
	return res
}

// runFanout runs the three research branches concurrently. Each goroutine
// writes only its own slot; the stage completes when all have settled, and
// one branch failing never cancels its siblings.
func (o *Orchestrator) runFanout(ctx context.Context, ex *Execution, confirmed *travel.DateRange) {
	o.transition(ctx, ex, StateFanout, "")
	input := agent.Input{Request: ex.Request, Prefs: ex.Prefs, ConfirmedDates: confirmed}

	results := make([]agent.Result, len(fanoutCapabilities))
	var wg sync.WaitGroup
	for i, capability := range fanoutCapabilities {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			results[slot] = o.executor.Invoke(ctx, id, input, o.cfg.BranchTimeout)
		}(i, capability)
	}
	wg.Wait()

	for _, res := range results {
		o.recordBranch(ctx, ex, res)
	}
}

func (o *Orchestrator) runSynthesis(ctx context.Context, ex *Execution, confirmed *travel.DateRange) agent.Result {
	o.transition(ctx, ex, StateSynthesis, "")
	sections := make(map[string]agent.Result, len(ex.Branches))
	for id, res := range ex.Branches {
		sections[id] = res
	}
	input := agent.Input{Request: ex.Request, Prefs: ex.Prefs, ConfirmedDates: confirmed, Sections: sections}
	res := o.executor.Invoke(ctx, agent.CapabilitySynthesis, input, o.cfg.SynthesisTimeout)
	o.recordBranch(ctx, ex, res)
	if res.OK() {
		if text, ok := res.Data["narrative"].(string); ok {
			ex.Narrative = text
		}
	}
	return res
}

func (o *Orchestrator) runDelivery(ctx context.Context, ex *Execution, synthesis agent.Result) {
	narrative := ex.Narrative
	if !synthesis.OK() {
		narrative = failureNotice(ex)
	}
	input := agent.Input{
		Request:   ex.Request,
		Prefs:     ex.Prefs,
		Sections:  ex.Branches,
		Narrative: narrative,
		Recipient: ex.RequesterID,
	}
	res := o.executor.Invoke(ctx, agent.CapabilityDelivery, input, o.cfg.BranchTimeout)
	switch res.Status {
	case agent.StatusSuccess:
		ex.DeliveryStatus = Delivered
	case agent.StatusEmpty:
		ex.DeliveryStatus = DeliverySkipped
	default:
		ex.DeliveryStatus = DeliveryFailed
		o.telemetry.RecordDeliveryFailure()
		o.logger.Printf("%s delivery failed: %s", ex.Fingerprint, res.Error)
	}
	o.appendEvent(ctx, ex, ex.State, ex.State, "delivery "+ex.DeliveryStatus)
	o.persist(ctx, ex)
}

// outcome applies the terminal-state rule: Succeeded only when every stage
// succeeded, Failed only when synthesis produced nothing, Degraded for any
// delivered-but-incomplete result.
func outcome(ex *Execution) string {
	synthesis, ok := ex.Branch(agent.CapabilitySynthesis)
	if !ok || !synthesis.OK() {
		return StateFailed
	}
	flight, _ := ex.Branch(agent.CapabilityFlight)
	if !flight.OK() {
		return StateDegraded
	}
	for _, id := range fanoutCapabilities {
		res, settled := ex.Branch(id)
		if !settled || !res.OK() {
			return StateDegraded
		}
	}
	return StateSucceeded
}

// failureNotice is the text delivered when no narrative could be produced.
func failureNotice(ex *Execution) string {
	return fmt.Sprintf(
		"Travel research for %s to %s could not be completed. The partial results are retained under reference %s.",
		ex.Request.OriginCity, ex.Request.Destination, ex.Fingerprint)
}

func (o *Orchestrator) recordBranch(ctx context.Context, ex *Execution, res agent.Result) {
	if ex.Branches == nil {
		ex.Branches = make(map[string]agent.Result)
	}
	ex.Branches[res.Capability] = res
	o.appendEvent(ctx, ex, ex.State, ex.State, fmt.Sprintf("%s settled %s", res.Capability, res.Status))
	o.persist(ctx, ex)
}

func (o *Orchestrator) transition(ctx context.Context, ex *Execution, to, detail string) {
	from := ex.State
	ex.State = to
	ex.UpdatedAt = o.now().UTC()
	o.appendEvent(ctx, ex, from, to, detail)
	o.persist(ctx, ex)
}

// persist and appendEvent write through with a background-safe context so a
// caller-cancelled request cannot lose the execution record mid-flight.
func (o *Orchestrator) persist(ctx context.Context, ex *Execution) {
	wctx, cancel := detachedContext(ctx)
	defer cancel()
	if err := o.store.UpdateExecution(wctx, ex); err != nil {
		o.logger.Printf("persisting %s: %v", ex.Fingerprint, err)
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, ex *Execution, from, to, detail string) {
	wctx, cancel := detachedContext(ctx)
	defer cancel()
	ev := Event{Fingerprint: ex.Fingerprint, From: from, To: to, Detail: detail, At: o.now().UTC()}
	if err := o.store.AppendEvent(wctx, ev); err != nil {
		o.logger.Printf("appending event for %s: %v", ex.Fingerprint, err)
	}
}

func (o *Orchestrator) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.Release(ctx, key); err != nil {
		o.logger.Printf("releasing %s: %v", key, err)
	}
}

func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
