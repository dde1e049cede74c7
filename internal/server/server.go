// Package server wires the research core behind its HTTP boundary.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/agent/providers"
	"github.com/ike1112/travel-agent/internal/feedback"
	"github.com/ike1112/travel-agent/internal/ledger"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/store"
	"github.com/ike1112/travel-agent/internal/telemetry"
	"github.com/ike1112/travel-agent/internal/watchlist"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// Run builds the full service from config and serves until the listener
// fails. addr overrides general.listen when non-empty.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrating: %w", err)
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

	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.New()
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
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
	executor := agent.NewExecutor(registry, cfg.Workflow.MaxRetries, cfg.Workflow.RetryBaseDelay, tele, nil)
	resolver := prefs.NewResolver(st, cfg.Preferences.WeightStep, cfg.Preferences.WeightDecay, nil)
	orch := workflow.NewOrchestrator(st, ldg, resolver, executor, cfg.Workflow, tele, nil)
	updater := feedback.NewUpdater(st, st, resolver, nil)

	if cfg.Watchlist.Enabled {
		monitor := watchlist.NewMonitor(st, ldg, executor, orch, resolver, cfg.Watchlist, cfg.Workflow.BranchTimeout, tele, nil)
		monitor.Start()
		defer monitor.Stop()
	}

	api := &API{
		Orch:       orch,
		Resolver:   resolver,
		Updater:    updater,
		Executions: st,
		Watchlist:  st,
		Logger:     baseLogger,
	}
	api.Register(e.Group("/api"))

	if addr == "" {
		addr = cfg.General.Listen
	}
	e.Server.ReadHeaderTimeout = 10 * time.Second
	return e.Start(addr)
}
