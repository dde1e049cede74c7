package watchlist

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/ledger"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/telemetry"
	"github.com/ike1112/travel-agent/internal/travel"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// Monitor sweeps WATCHING items on a schedule. Each sweep probes the live
// flight price per item, gated by a once-per-day temporal reservation, and
// escalates to a full research execution when the threshold rule fires.
type Monitor struct {
	store     ItemStore
	ledger    ledger.Ledger
	executor  *agent.Executor
	orch      *workflow.Orchestrator
	resolver  *prefs.Resolver
	cfg       config.WatchlistConfig
	branchTO  time.Duration
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	now       func() time.Time
	stop      chan struct{}
	lastSweep time.Time
}

// NewMonitor wires the monitor.
func NewMonitor(store ItemStore, ldg ledger.Ledger, executor *agent.Executor, orch *workflow.Orchestrator, resolver *prefs.Resolver, cfg config.WatchlistConfig, branchTimeout time.Duration, tele *telemetry.Telemetry, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	return &Monitor{
		store:     store,
		ledger:    ldg,
		executor:  executor,
		orch:      orch,
		resolver:  resolver,
		cfg:       cfg,
		branchTO:  branchTimeout,
		logger:    logger,
		telemetry: tele,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start runs the schedule loop until Stop is called.
func (m *Monitor) Start() {
	interval := m.cfg.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if !isDue(m.cfg.ScheduleCron, m.lastSweep, m.now()) {
					continue
				}
				m.lastSweep = m.now()
				if err := m.Sweep(context.Background()); err != nil {
					m.logger.Printf("sweep: %v", err)
				}
			}
		}
	}()
}

// Stop halts the schedule loop.
func (m *Monitor) Stop() { close(m.stop) }

// Sweep processes every WATCHING item once. One item's failure is logged
// and never blocks the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	items, err := m.store.ListWatching(ctx)
	if err != nil {
		return fmt.Errorf("listing watchlist: %w", err)
	}
	m.logger.Printf("sweeping %d item(s)", len(items))
	for _, item := range items {
		if err := m.checkItem(ctx, item); err != nil {
			m.logger.Printf("item %s: %v", item.ID, err)
		}
	}
	return nil
}

// checkItem runs the daily price check for one item.
func (m *Monitor) checkItem(ctx context.Context, item Item) error {
	today := m.now().UTC()
	key := ledger.TemporalKey(item.ID, today)
	outcome, err := m.ledger.Reserve(ctx, key, ledger.TemporalTTL)
	if err != nil {
		// Fail closed: better to skip a day than double-check it.
		return fmt.Errorf("reserving %s: %w", key, err)
	}
	if !outcome.Fresh {
		m.telemetry.RecordDuplicate(ledger.SpaceTemporal)
		return nil
	}

	price, err := m.probePrice(ctx, item)
	if err != nil {
		// Leave the reservation released so a later firing today can retry.
		if rerr := m.ledger.Release(ctx, key); rerr != nil {
			m.logger.Printf("releasing %s: %v", key, rerr)
		}
		return err
	}

	if m.shouldAlert(item, price) {
		if err := m.alert(ctx, item, today); err != nil {
			m.logger.Printf("item %s alert: %v", item.ID, err)
		} else {
			item.Status = StatusThresholdMet
			item.AlertCount++
			m.telemetry.RecordWatchlistAlert()
			m.logger.Printf("item %s alerted at %.2f (threshold %.2f)", item.ID, price, item.ThresholdCAD)
		}
	}

	item.LastCheckedPrice = price
	item.LastCheckedDate = today.Format("2006-01-02")
	if err := m.store.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	if err := m.ledger.Complete(ctx, key, fmt.Sprintf("%.2f", price)); err != nil {
		m.logger.Printf("recording check for %s: %v", key, err)
	}
	return nil
}

// probePrice runs only the flight stage for the item's route and returns
// the lowest offered price.
func (m *Monitor) probePrice(ctx context.Context, item Item) (float64, error) {
	resolved, err := m.resolver.Resolve(ctx, item.RequesterID, nil)
	if err != nil {
		return 0, err
	}
	req := m.probeRequest(item)
	res := m.executor.Invoke(ctx, agent.CapabilityFlight, agent.Input{Request: req, Prefs: resolved}, m.branchTO)
	if !res.OK() {
		return 0, fmt.Errorf("flight probe settled %s: %s", res.Status, res.Error)
	}
	price, ok := res.Data["lowest_price"].(float64)
	if !ok || price <= 0 {
		return 0, fmt.Errorf("flight probe returned no price")
	}
	return price, nil
}

// shouldAlert applies the threshold rule: under threshold for the first
// time, or a steep drop against the last checked price.
func (m *Monitor) shouldAlert(item Item, price float64) bool {
	if price < item.ThresholdCAD && item.Status != StatusThresholdMet {
		return true
	}
	drop := m.cfg.DropFraction
	if drop <= 0 {
		drop = 0.15
	}
	return item.LastCheckedPrice > 0 && price <= item.LastCheckedPrice*(1-drop)
}

// alert escalates to a full research execution so the requester gets a
// complete digest, not just a price number. The fingerprint is derived from
// (item, day) so the content ledger admits one alert run per day.
func (m *Monitor) alert(ctx context.Context, item Item, today time.Time) error {
	req := m.probeRequest(item)
	req.Fingerprint = ledger.Fingerprint(fmt.Sprintf("watch:%s:%s", item.ID, today.Format("2006-01-02")))
	// The alert digest should cover the price that triggered it, so the
	// budget is the looser of threshold and last observation.
	req.BudgetCAD = item.ThresholdCAD
	if item.LastCheckedPrice > req.BudgetCAD {
		req.BudgetCAD = item.LastCheckedPrice
	}
	ex, fresh, err := m.orch.Submit(ctx, req, nil)
	if err != nil {
		return err
	}
	if fresh {
		if err := m.orch.Run(ctx, &ex); err != nil {
			return err
		}
	}
	// The alert only counts once a digest actually went out. A failed run or
	// a failed send leaves the item WATCHING so a later sweep tries again.
	if ex.State != workflow.StateSucceeded && ex.State != workflow.StateDegraded {
		return fmt.Errorf("alert run for %s settled %s", item.ID, ex.State)
	}
	if ex.DeliveryStatus == workflow.DeliveryFailed {
		return fmt.Errorf("alert digest for %s was not delivered", item.ID)
	}
	return nil
}

// probeRequest builds the flight-stage input. Budget is left unset so the
// probe sees the live price even when it sits above the alert threshold.
func (m *Monitor) probeRequest(item Item) travel.Request {
	return travel.Request{
		Fingerprint: ledger.Fingerprint("probe:" + item.ID),
		RequesterID: item.RequesterID,
		OriginCity:  item.OriginCity,
		Destination: item.Destination,
		Dates:       item.Period,
		CreatedAt:   m.now().UTC(),
	}
}

// isDue supports "@daily", "@hourly" and 5-field cron expressions.
func isDue(cronSpec string, last, now time.Time) bool {
	switch cronSpec {
	case "", "@daily":
		return last.IsZero() || now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return last.IsZero() || now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return last.IsZero() || now.Sub(last) >= 24*time.Hour
		}
		if last.IsZero() {
			return true
		}
		return !expr.Next(last).After(now)
	}
}
