package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ike1112/travel-agent/internal/feedback"
	"github.com/ike1112/travel-agent/internal/intake"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/watchlist"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// ExecutionReader serves execution status lookups.
type ExecutionReader interface {
	Execution(ctx context.Context, fingerprint string) (workflow.Execution, bool, error)
	Events(ctx context.Context, fingerprint string) ([]workflow.Event, error)
}

// WatchlistStore serves the watchlist CRUD surface.
type WatchlistStore interface {
	CreateItem(ctx context.Context, item watchlist.Item) (watchlist.Item, error)
	Item(ctx context.Context, id string) (watchlist.Item, bool, error)
	ListItemsByRequester(ctx context.Context, requesterID string) ([]watchlist.Item, error)
	DeleteItem(ctx context.Context, id, requesterID string) (bool, error)
}

// API bundles the HTTP handlers over the research core.
type API struct {
	Orch       *workflow.Orchestrator
	Resolver   *prefs.Resolver
	Updater    *feedback.Updater
	Executions ExecutionReader
	Watchlist  WatchlistStore
	Logger     *log.Logger
}

// Register mounts the API routes on a group.
func (a *API) Register(g *echo.Group) {
	g.POST("/requests", a.submitRequest)
	g.GET("/requests/:id", a.getRequest)
	g.PUT("/preferences/:requester", a.updatePreferences)
	g.GET("/preferences/:requester", a.getPreferences)
	g.POST("/feedback", a.submitFeedback)
	g.POST("/watchlist", a.createWatchlistItem)
	g.GET("/watchlist", a.listWatchlist)
	g.DELETE("/watchlist/:id", a.deleteWatchlistItem)
}

type submitRequestBody struct {
	RequesterID string              `json:"requester_id"`
	RawText     string              `json:"raw_text"`
	Intent      intake.ParsedIntent `json:"intent"`
	Overrides   *prefs.Overrides    `json:"overrides,omitempty"`
}

// submitRequest accepts a parsed intent, admits it through the ledger and
// answers 202 immediately; the execution completes asynchronously.
func (a *API) submitRequest(c echo.Context) error {
	var body submitRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req, err := intake.Accept(body.RequesterID, body.RawText, body.Intent)
	if err != nil {
		var clarify *intake.ClarificationError
		if errors.As(err, &clarify) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"status":                  intake.StatusNeedsClarification,
				"missing_required_fields": clarify.Missing,
			})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ex, fresh, err := a.Orch.Submit(c.Request().Context(), req, body.Overrides)
	if err != nil {
		return err
	}
	if fresh {
		// The request context dies with this response; the run gets its own.
		go func(ex workflow.Execution) {
			if err := a.Orch.Run(context.Background(), &ex); err != nil {
				a.Logger.Printf("run %s: %v", ex.Fingerprint, err)
			}
		}(ex)
	}

	resp := map[string]interface{}{
		"fingerprint": ex.Fingerprint,
		"state":       ex.State,
		"duplicate":   !fresh,
	}
	if warning := body.Intent.BudgetWarning; warning != "" {
		resp["budget_warning"] = warning
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (a *API) getRequest(c echo.Context) error {
	ctx := c.Request().Context()
	ex, ok, err := a.Executions.Execution(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	events, err := a.Executions.Events(ctx, ex.Fingerprint)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution": ex,
		"events":    events,
	})
}

func (a *API) updatePreferences(c echo.Context) error {
	var candidate map[string]interface{}
	if err := c.Bind(&candidate); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	profile, err := a.Resolver.ApplyUpdate(c.Request().Context(), c.Param("requester"), candidate)
	if err != nil {
		var rejected *prefs.RejectionError
		if errors.As(err, &rejected) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"rejected": true,
				"field":    rejected.Field,
				"reason":   rejected.Reason,
			})
		}
		return err
	}
	return c.JSON(http.StatusOK, profile)
}

func (a *API) getPreferences(c echo.Context) error {
	resolved, err := a.Resolver.Resolve(c.Request().Context(), c.Param("requester"), nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resolved)
}

type feedbackBody struct {
	Fingerprint string           `json:"fingerprint"`
	Ratings     feedback.Ratings `json:"ratings"`
}

func (a *API) submitFeedback(c echo.Context) error {
	var body feedbackBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := a.Updater.Record(c.Request().Context(), body.Fingerprint, body.Ratings)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrExecutionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, feedback.ErrExecutionNotTerminal):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusOK, rec)
}

func (a *API) createWatchlistItem(c echo.Context) error {
	var item watchlist.Item
	if err := c.Bind(&item); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := a.Watchlist.CreateItem(c.Request().Context(), item)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (a *API) listWatchlist(c echo.Context) error {
	requesterID := c.QueryParam("requester_id")
	if requesterID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requester_id required")
	}
	items, err := a.Watchlist.ListItemsByRequester(c.Request().Context(), requesterID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []watchlist.Item{}
	}
	return c.JSON(http.StatusOK, items)
}

func (a *API) deleteWatchlistItem(c echo.Context) error {
	requesterID := c.QueryParam("requester_id")
	if requesterID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requester_id required")
	}
	deleted, err := a.Watchlist.DeleteItem(c.Request().Context(), c.Param("id"), requesterID)
	if err != nil {
		return err
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "watchlist item not found")
	}
	return c.NoContent(http.StatusNoContent)
}
