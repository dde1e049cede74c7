package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/agent/providers"
	"github.com/ike1112/travel-agent/internal/ledger"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/store"
	"github.com/ike1112/travel-agent/internal/watchlist"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// sweepCMD runs one watchlist pass and exits. Useful from cron or for
// checking a deployment without waiting for the in-process schedule.
func sweepCMD() *cobra.Command {
	var cfgPath string
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Run one watchlist price sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			ldg, err := ledger.NewRedisLedger(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
				cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
			if err != nil {
				return err
			}

			registry, err := agent.NewRegistry([]agent.Capability{
				providers.NewFlightCapability(cfg.Capabilities.Amadeus),
				providers.NewHotelCapability(cfg.Capabilities.Places),
				providers.NewEventsCapability(cfg.Capabilities.Places),
				providers.NewWeatherCapability(cfg.Capabilities.OpenWeather),
				providers.NewSynthesisCapability(cfg.Capabilities.Summarizer),
				providers.NewDeliveryCapability(cfg.Capabilities.Delivery),
			}, nil)
			if err != nil {
				return err
			}
			executor := agent.NewExecutor(registry, cfg.Workflow.MaxRetries, cfg.Workflow.RetryBaseDelay, nil, nil)
			resolver := prefs.NewResolver(st, cfg.Preferences.WeightStep, cfg.Preferences.WeightDecay, nil)
			orch := workflow.NewOrchestrator(st, ldg, resolver, executor, cfg.Workflow, nil, nil)
			monitor := watchlist.NewMonitor(st, ldg, executor, orch, resolver, cfg.Watchlist, cfg.Workflow.BranchTimeout, nil, nil)

			return monitor.Sweep(ctx)
		},
	}
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return sweep
}
