package endpoints

import (
	"errors"
	"net/http"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
	"github.com/jazware/trends/pkg/timerange"
	"github.com/jazware/trends/pkg/trends"
	"github.com/labstack/echo/v4"
)

// TrendRequest is the body of POST /insights/trend.
type TrendRequest struct {
	TeamID int                `json:"team_id"`
	Query  schema.TrendsQuery `json:"query"`
	// LimitContext selects the execution-time budget: "query" (default),
	// "export", or "query_async".
	LimitContext string `json:"limit_context,omitempty"`
}

// PostTrend runs a trends query and returns the chart-ready series.
func (api *API) PostTrend(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracer.Start(ctx, "PostTrend")
	defer span.End()

	var req TrendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.TeamID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "team_id must be provided"})
	}

	if !api.bypassesLimiter(c) {
		if err := api.RunLimiter.Wait(ctx); err != nil {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		}
	}

	tm, err := api.Teams.GetTeam(ctx, req.TeamID)
	if errors.Is(err, team.ErrTeamNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "team not found"})
	}
	if err != nil {
		api.Logger.Error("resolving team failed", "team_id", req.TeamID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to resolve team"})
	}

	resp, err := api.runner(tm).Run(ctx, &req.Query, limitContext(req.LimitContext))
	if err != nil {
		return api.queryError(c, req.TeamID, err)
	}
	if api.Cache != nil {
		api.Warmer.Track(req.TeamID, &req.Query)
	}
	return c.JSON(http.StatusOK, resp)
}

func (api *API) bypassesLimiter(c echo.Context) bool {
	return api.MagicHeaderVal != "" && c.Request().Header.Get("x-ratelimit-bypass") == api.MagicHeaderVal
}

func limitContext(s string) querier.LimitContext {
	switch querier.LimitContext(s) {
	case querier.LimitContextExport:
		return querier.LimitContextExport
	case querier.LimitContextAsync:
		return querier.LimitContextAsync
	default:
		return querier.LimitContextQuery
	}
}

// queryError maps planning errors to 400 and everything else to 500, always
// with the error text in the standard response envelope.
func (api *API) queryError(c echo.Context, teamID int, err error) error {
	if trends.IsConfigurationError(err) {
		return c.JSON(http.StatusBadRequest, schema.TrendsResponse{Error: err.Error()})
	}
	var pe *timerange.ParseError
	if errors.As(err, &pe) {
		return c.JSON(http.StatusBadRequest, schema.TrendsResponse{Error: err.Error()})
	}
	api.Logger.Error("trends query failed", "team_id", teamID, "error", err)
	return c.JSON(http.StatusInternalServerError, schema.TrendsResponse{Error: err.Error()})
}
