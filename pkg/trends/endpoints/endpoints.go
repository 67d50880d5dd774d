// Package endpoints exposes the trends engine over HTTP.
package endpoints

import (
	"context"
	"log/slog"
	"time"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
	"github.com/jazware/trends/pkg/trends"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("trends-api")

// timeNow is swapped in tests.
var timeNow = time.Now

// API holds the dependencies of the insight endpoints.
type API struct {
	Logger   *slog.Logger
	Executor querier.Executor
	Teams    team.TeamResolver
	Actions  team.ActionResolver
	Cohorts  team.CohortResolver
	Props    team.PropertyCompiler
	Cache    *trends.InsightCache

	// Warmer keeps recently served cache-eligible queries fresh in the
	// background. Run it via Warmer.Start.
	Warmer *trends.Warmer

	// RunLimiter throttles interactive insight refreshes. Requests carrying
	// the magic header bypass it.
	RunLimiter     *rate.Limiter
	MagicHeaderVal string

	// MaxParallel bounds the engine queries one run fans out to.
	MaxParallel int
}

// NewAPI wires the insight API.
func NewAPI(
	logger *slog.Logger,
	executor querier.Executor,
	teams team.TeamResolver,
	actions team.ActionResolver,
	cohorts team.CohortResolver,
	cache *trends.InsightCache,
	magicHeaderVal string,
) *API {
	api := &API{
		Logger:         logger.With("component", "trends_api"),
		Executor:       executor,
		Teams:          teams,
		Actions:        actions,
		Cohorts:        cohorts,
		Props:          team.SQLPropertyCompiler{},
		Cache:          cache,
		RunLimiter:     rate.NewLimiter(rate.Limit(10), 20),
		MagicHeaderVal: magicHeaderVal,
		MaxParallel:    8,
	}
	api.Warmer = trends.NewWarmer(api.Logger, api.warmRun)
	return api
}

// warmRun re-executes a tracked query on behalf of the cache warmer.
func (api *API) warmRun(ctx context.Context, teamID int, q *schema.TrendsQuery) error {
	tm, err := api.Teams.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	_, err = api.runner(tm).Run(ctx, q, querier.LimitContextAsync)
	return err
}

func (api *API) runner(tm *team.Team) *trends.Runner {
	r := trends.NewRunner(api.Logger, api.Executor, tm, api.Actions, api.Cohorts, api.Props, api.Cache)
	r.MaxParallel = api.MaxParallel
	return r
}
