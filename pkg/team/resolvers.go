package team

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	lru "github.com/hashicorp/golang-lru/arc/v2"
)

const resolverCacheSize = 2048

type actionCacheEntry struct {
	action    *Action
	expiresAt time.Time
}

type cohortCacheEntry struct {
	cohort    *Cohort
	expiresAt time.Time
}

type teamCacheEntry struct {
	team      *Team
	expiresAt time.Time
}

// StoreResolver resolves actions and cohorts from ClickHouse lookup tables,
// caching entries in ARC caches with a TTL. Deleted entities are cached as
// misses too, so dashboards full of dangling references don't hammer the
// store.
type StoreResolver struct {
	conn driver.Conn
	ttl  time.Duration

	actionCache *lru.ARCCache[string, actionCacheEntry]
	cohortCache *lru.ARCCache[string, cohortCacheEntry]
	teamCache   *lru.ARCCache[int, teamCacheEntry]
}

// NewStoreResolver creates a resolver over an open connection.
func NewStoreResolver(conn driver.Conn, cacheTTL time.Duration) (*StoreResolver, error) {
	actionCache, err := lru.NewARC[string, actionCacheEntry](resolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating action cache: %w", err)
	}
	cohortCache, err := lru.NewARC[string, cohortCacheEntry](resolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cohort cache: %w", err)
	}
	teamCache, err := lru.NewARC[int, teamCacheEntry](resolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating team cache: %w", err)
	}
	return &StoreResolver{
		conn:        conn,
		ttl:         cacheTTL,
		actionCache: actionCache,
		cohortCache: cohortCache,
		teamCache:   teamCache,
	}, nil
}

// GetTeam returns the team's settings or ErrTeamNotFound.
func (r *StoreResolver) GetTeam(ctx context.Context, teamID int) (*Team, error) {
	if entry, ok := r.teamCache.Get(teamID); ok && time.Now().Before(entry.expiresAt) {
		resolverCacheHits.WithLabelValues("team").Inc()
		if entry.team == nil {
			return nil, ErrTeamNotFound
		}
		return entry.team, nil
	}
	resolverCacheMisses.WithLabelValues("team").Inc()

	var (
		timezone, testFiltersJSON string
		weekStart                 uint8
		aggByDistinctID           bool
	)
	row := r.conn.QueryRow(ctx,
		`SELECT timezone, week_start_day, aggregate_users_by_distinct_id, test_account_filters_json
		 FROM teams FINAL
		 WHERE id = ? AND deleted = 0`, teamID)
	if err := row.Scan(&timezone, &weekStart, &aggByDistinctID, &testFiltersJSON); err != nil {
		r.teamCache.Add(teamID, teamCacheEntry{expiresAt: time.Now().Add(r.ttl)})
		return nil, ErrTeamNotFound
	}

	tm := &Team{
		ID:                         teamID,
		Timezone:                   timezone,
		WeekStartDay:               int(weekStart),
		AggregateUsersByDistinctID: aggByDistinctID,
	}
	if testFiltersJSON != "" && testFiltersJSON != "[]" {
		if err := unmarshalProperties(testFiltersJSON, &tm.TestAccountFilters); err != nil {
			return nil, fmt.Errorf("parsing team test account filters: %w", err)
		}
	}
	r.teamCache.Add(teamID, teamCacheEntry{team: tm, expiresAt: time.Now().Add(r.ttl)})
	return tm, nil
}

// GetAction returns the action or ErrActionNotFound.
func (r *StoreResolver) GetAction(ctx context.Context, teamID, actionID int) (*Action, error) {
	key := fmt.Sprintf("%d:%d", teamID, actionID)
	if entry, ok := r.actionCache.Get(key); ok && time.Now().Before(entry.expiresAt) {
		resolverCacheHits.WithLabelValues("action").Inc()
		if entry.action == nil {
			return nil, ErrActionNotFound
		}
		return entry.action, nil
	}
	resolverCacheMisses.WithLabelValues("action").Inc()

	rows, err := r.conn.Query(ctx,
		`SELECT name, step_event, step_properties_json
		 FROM actions FINAL
		 WHERE team_id = ? AND id = ? AND deleted = 0
		 ORDER BY step_order`, teamID, actionID)
	if err != nil {
		return nil, fmt.Errorf("querying action %d: %w", actionID, err)
	}
	defer rows.Close()

	action := &Action{ID: actionID, TeamID: teamID}
	found := false
	for rows.Next() {
		var name, stepEvent, stepPropsJSON string
		if err := rows.Scan(&name, &stepEvent, &stepPropsJSON); err != nil {
			return nil, fmt.Errorf("scanning action row: %w", err)
		}
		found = true
		action.Name = name
		step := ActionStep{Event: stepEvent}
		if stepPropsJSON != "" && stepPropsJSON != "[]" {
			if err := unmarshalProperties(stepPropsJSON, &step.Properties); err != nil {
				return nil, fmt.Errorf("parsing action step properties: %w", err)
			}
		}
		action.Steps = append(action.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading action rows: %w", err)
	}

	if !found {
		r.actionCache.Add(key, actionCacheEntry{expiresAt: time.Now().Add(r.ttl)})
		return nil, ErrActionNotFound
	}
	r.actionCache.Add(key, actionCacheEntry{action: action, expiresAt: time.Now().Add(r.ttl)})
	return action, nil
}

// GetCohort returns the cohort or ErrCohortNotFound.
func (r *StoreResolver) GetCohort(ctx context.Context, teamID, cohortID int) (*Cohort, error) {
	key := fmt.Sprintf("%d:%d", teamID, cohortID)
	if entry, ok := r.cohortCache.Get(key); ok && time.Now().Before(entry.expiresAt) {
		resolverCacheHits.WithLabelValues("cohort").Inc()
		if entry.cohort == nil {
			return nil, ErrCohortNotFound
		}
		return entry.cohort, nil
	}
	resolverCacheMisses.WithLabelValues("cohort").Inc()

	var name string
	row := r.conn.QueryRow(ctx,
		`SELECT name FROM cohorts FINAL WHERE team_id = ? AND id = ? AND deleted = 0`,
		teamID, cohortID)
	if err := row.Scan(&name); err != nil {
		r.cohortCache.Add(key, cohortCacheEntry{expiresAt: time.Now().Add(r.ttl)})
		return nil, ErrCohortNotFound
	}

	cohort := &Cohort{ID: cohortID, Name: name, TeamID: teamID}
	r.cohortCache.Add(key, cohortCacheEntry{cohort: cohort, expiresAt: time.Now().Add(r.ttl)})
	return cohort, nil
}

// MembershipPredicate renders a person-in-cohort WHERE fragment against the
// cohort_people membership table.
func (r *StoreResolver) MembershipPredicate(ctx context.Context, teamID, cohortID int) (string, []any, error) {
	if _, err := r.GetCohort(ctx, teamID, cohortID); err != nil {
		return "", nil, err
	}
	pred := "person_id IN (SELECT person_id FROM cohort_people WHERE team_id = ? AND cohort_id = ? AND sign > 0)"
	return pred, []any{teamID, cohortID}, nil
}
