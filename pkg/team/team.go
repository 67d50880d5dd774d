// Package team provides the per-team context the trends engine plans against:
// timezone and aggregation settings, plus cached resolvers for saved actions
// and cohorts.
package team

import (
	"context"
	"fmt"
	"time"

	"github.com/jazware/trends/pkg/schema"
)

// Team carries the settings that influence query planning.
type Team struct {
	ID           int
	Timezone     string
	WeekStartDay int // 0 = Sunday, 1 = Monday

	// AggregateUsersByDistinctID counts distinct_id instead of person_id for
	// distinct-actor math.
	AggregateUsersByDistinctID bool

	// TestAccountFilters are the property filters applied when a query sets
	// filterTestAccounts.
	TestAccountFilters []schema.PropertyFilter
}

// Location resolves the team timezone, falling back to UTC.
func (t *Team) Location() *time.Location {
	if t == nil || t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ActorExpr returns the column identifying an actor for distinct-actor math.
func (t *Team) ActorExpr() string {
	if t != nil && t.AggregateUsersByDistinctID {
		return "distinct_id"
	}
	return "person_id"
}

// Action is a saved event selection referenced by ActionsNode series.
type Action struct {
	ID     int
	Name   string
	TeamID int
	Steps  []ActionStep
}

// ActionStep is one event match within an action; steps are OR-ed together.
type ActionStep struct {
	Event      string
	Properties []schema.PropertyFilter
}

// ErrTeamNotFound is returned for unknown or deleted teams.
var ErrTeamNotFound = fmt.Errorf("team not found")

// TeamResolver looks up team settings.
type TeamResolver interface {
	GetTeam(ctx context.Context, teamID int) (*Team, error)
}

// ErrActionNotFound is returned when a referenced action no longer exists.
// Callers treat this as "no matching events", not as a fatal error, so
// dashboards keep rendering when an action is deleted.
var ErrActionNotFound = fmt.Errorf("action not found")

// ErrCohortNotFound is returned when a referenced cohort no longer exists.
var ErrCohortNotFound = fmt.Errorf("cohort not found")

// ActionResolver looks up saved actions.
type ActionResolver interface {
	GetAction(ctx context.Context, teamID, actionID int) (*Action, error)
}

// Cohort is a saved group of persons referenced by cohort breakdowns.
type Cohort struct {
	ID     int
	Name   string
	TeamID int
}

// CohortResolver looks up cohorts and renders membership predicates.
type CohortResolver interface {
	GetCohort(ctx context.Context, teamID, cohortID int) (*Cohort, error)
	// MembershipPredicate returns a WHERE fragment (plus args) that is true
	// for rows whose person belongs to the cohort.
	MembershipPredicate(ctx context.Context, teamID, cohortID int) (string, []any, error)
}

// PropertyCompiler translates property-filter descriptors into WHERE
// fragments. Treated as a pure function with no side effects.
type PropertyCompiler interface {
	Compile(filters []schema.PropertyFilter, team *Team) (string, []any, error)
}
