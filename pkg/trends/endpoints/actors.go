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

// ActorsRequest is the body of POST /insights/trend/actors: the original
// query plus the coordinates of the chart cell to drill into.
type ActorsRequest struct {
	TeamID int                `json:"team_id"`
	Query  schema.TrendsQuery `json:"query"`

	SeriesIndex     int      `json:"series_index"`
	TimeFrame       string   `json:"time_frame,omitempty"`
	BreakdownValues []string `json:"breakdown_values,omitempty"`
	ShownValues     []string `json:"shown_values,omitempty"`
	CompareLabel    string   `json:"compare_label,omitempty"`
	CohortValue     string   `json:"cohort_value,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ActorsResponse lists the actors behind one chart cell.
type ActorsResponse struct {
	Actors []trends.ActorRow `json:"actors"`
	Error  string            `json:"error,omitempty"`
}

// PostTrendActors resolves the actors behind one cell of a trends chart.
func (api *API) PostTrendActors(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracer.Start(ctx, "PostTrendActors")
	defer span.End()

	var req ActorsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.TeamID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "team_id must be provided"})
	}

	tm, err := api.Teams.GetTeam(ctx, req.TeamID)
	if errors.Is(err, team.ErrTeamNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "team not found"})
	}
	if err != nil {
		api.Logger.Error("resolving team failed", "team_id", req.TeamID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to resolve team"})
	}

	qr, err := timerange.New(req.Query.DateRange, req.Query.ResolvedInterval(), timeNow(), tm.Location(), tm.WeekStartDay)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ActorsResponse{Error: err.Error()})
	}
	bd, err := trends.PlanBreakdowns(req.Query.BreakdownFilter, tm)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ActorsResponse{Error: err.Error()})
	}

	composer := trends.NewComposer(tm, api.Actions, api.Cohorts, api.Props)
	pq, err := composer.ComposeActors(ctx, &req.Query, qr, bd, trends.ActorsRequest{
		SeriesIndex:     req.SeriesIndex,
		TimeFrame:       req.TimeFrame,
		BreakdownValues: req.BreakdownValues,
		ShownValues:     req.ShownValues,
		CompareLabel:    req.CompareLabel,
		CohortValue:     req.CohortValue,
		Limit:           req.Limit,
		Offset:          req.Offset,
	})
	if err != nil {
		if trends.IsConfigurationError(err) {
			return c.JSON(http.StatusBadRequest, ActorsResponse{Error: err.Error()})
		}
		api.Logger.Error("composing actors query failed", "team_id", req.TeamID, "error", err)
		return c.JSON(http.StatusInternalServerError, ActorsResponse{Error: err.Error()})
	}

	res, err := api.Executor.Execute(ctx, querier.Query{SQL: pq.SQL, Args: pq.Args, LimitContext: querier.LimitContextQuery})
	if err != nil {
		api.Logger.Error("actors query failed", "team_id", req.TeamID, "error", err)
		return c.JSON(http.StatusInternalServerError, ActorsResponse{Error: err.Error()})
	}
	actors, err := trends.MapActorRows(res)
	if err != nil {
		api.Logger.Error("mapping actor rows failed", "team_id", req.TeamID, "error", err)
		return c.JSON(http.StatusInternalServerError, ActorsResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, ActorsResponse{Actors: actors})
}
