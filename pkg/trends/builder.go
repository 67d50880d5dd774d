package trends

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
	"github.com/jazware/trends/pkg/timerange"
)

// PlannedQuery is one fully rendered ClickHouse query plus its bind args.
type PlannedQuery struct {
	SQL        string
	Args       []any
	TotalValue bool
}

// ComposeOptions carries the per-cell knobs of one expanded query.
type ComposeOptions struct {
	// CohortValue restricts base rows to one cohort of a cohort breakdown.
	// Empty or "all" means no restriction.
	CohortValue string
	// TotalValue collapses the time axis: one aggregated value per breakdown
	// bucket instead of a bucketed series.
	TotalValue bool
}

// Composer renders planned series into executable SQL.
type Composer struct {
	team    *team.Team
	actions team.ActionResolver
	cohorts team.CohortResolver
	props   team.PropertyCompiler
}

// NewComposer returns a Composer planning against the given team context.
func NewComposer(tm *team.Team, actions team.ActionResolver, cohorts team.CohortResolver, props team.PropertyCompiler) *Composer {
	return &Composer{team: tm, actions: actions, cohorts: cohorts, props: props}
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// Compose renders the query for one series of the expanded plan. The breakdown
// plan must already have its bins resolved (see BoundsQuery).
func (c *Composer) Compose(
	ctx context.Context,
	q *schema.TrendsQuery,
	series schema.Series,
	plan *AggregationPlan,
	qr *timerange.QueryRange,
	bd *BreakdownPlan,
	opts ComposeOptions,
) (*PlannedQuery, error) {
	if bd.NeedsBounds() {
		return nil, configErrorf("histogram breakdown bins not resolved before composition")
	}
	if series.Kind == schema.SeriesKindDataWarehouse && plan.RequiresOrchestration {
		return nil, configErrorf("math %q is not supported on data warehouse series", plan.Math)
	}

	switch plan.Kind {
	case AggregationActiveWindow:
		return c.composeActiveWindow(ctx, q, series, plan, qr, bd, opts)
	case AggregationCountPerActor:
		return c.composeCountPerActor(ctx, q, series, plan, qr, bd, opts)
	case AggregationFirstTime:
		return c.composeFirstTime(ctx, q, series, plan, qr, bd, opts)
	default:
		if plan.OnSessionDuration {
			return c.composeSessionDuration(ctx, q, series, plan, qr, bd, opts)
		}
		return c.composeResolved(ctx, q, series, plan, qr, bd, opts)
	}
}

// composeResolved renders the single-pass shape: one grouping layer applying
// the aggregate directly over base rows.
func (c *Composer) composeResolved(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, opts ComposeOptions) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, opts.CohortValue, true)
	if err != nil {
		return nil, err
	}

	var sel, group []string
	var args []any
	if !opts.TotalValue {
		sel = append(sel, fmt.Sprintf("%s AS bucket", c.bucketExpr(qr, "timestamp")))
		group = append(group, "bucket")
	}
	bdSel, bdAliases, bdArgs := breakdownSelects(bd)
	sel = append(sel, bdSel...)
	group = append(group, bdAliases...)
	args = append(args, bdArgs...)
	sel = append(sel, plan.Expr+" AS total")
	args = append(args, plan.Args...)
	args = append(args, whereArgs...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s\nFROM %s\nWHERE %s", strings.Join(sel, ", "), from, strings.Join(where, "\n  AND "))
	writeTrailer(&sb, group, opts.TotalValue)
	return &PlannedQuery{SQL: sb.String(), Args: args, TotalValue: opts.TotalValue}, nil
}

// composeSessionDuration renders the two-layer shape for $session_duration
// math: an inner layer reducing to one row per session so each session's
// duration counts once, then the aggregate over sessions.
func (c *Composer) composeSessionDuration(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, opts ComposeOptions) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, opts.CohortValue, true)
	if err != nil {
		return nil, err
	}
	where = append(where, "session_id != ''")

	var innerSel, group []string
	var args []any
	if !opts.TotalValue {
		innerSel = append(innerSel, fmt.Sprintf("%s AS bucket", c.bucketExpr(qr, "timestamp")))
		group = append(group, "bucket")
	}
	bdSel, bdAliases, bdArgs := breakdownSelects(bd)
	innerSel = append(innerSel, bdSel...)
	group = append(group, bdAliases...)
	args = append(args, bdArgs...)
	innerSel = append(innerSel, "session_id", "any(session_duration) AS session_duration")
	args = append(args, whereArgs...)

	outerSel := append(append([]string{}, group...), plan.Expr+" AS total")

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s\nFROM (\n  SELECT %s\n  FROM %s\n  WHERE %s\n  GROUP BY %s\n)",
		strings.Join(outerSel, ", "),
		strings.Join(innerSel, ", "),
		from,
		strings.Join(where, "\n    AND "),
		strings.Join(append(append([]string{}, group...), "session_id"), ", "),
	)
	writeTrailer(&sb, group, opts.TotalValue)
	return &PlannedQuery{SQL: sb.String(), Args: args, TotalValue: opts.TotalValue}, nil
}

// composeActiveWindow renders weekly/monthly active users: each actor's active
// days fan out over the following window via ARRAY JOIN, then distinct actors
// are counted per display bucket. The base scan reaches back one window before
// the range so the first buckets see complete history.
func (c *Composer) composeActiveWindow(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, opts ComposeOptions) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	lookback := timerange.ActiveUserLookback(plan.Math)
	scanRange := qr.WithLookback(lookback)
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, scanRange, opts.CohortValue, true)
	if err != nil {
		return nil, err
	}

	bdSel, bdAliases, bdArgs := breakdownSelects(bd)

	innerSel := append([]string{fmt.Sprintf("%s AS actor_id", c.team.ActorExpr())}, bdSel...)
	innerSel = append(innerSel, "toStartOfDay(timestamp) AS event_day")
	innerGroup := append(append([]string{"actor_id"}, bdAliases...), "event_day")

	midSel := append([]string{"actor_id"}, bdAliases...)
	midSel = append(midSel, fmt.Sprintf("%s AS bucket", c.bucketExpr(qr, "active_day")))

	var outerSel, group []string
	if !opts.TotalValue {
		outerSel = append(outerSel, "bucket")
		group = append(group, "bucket")
	}
	outerSel = append(outerSel, bdAliases...)
	group = append(group, bdAliases...)
	outerSel = append(outerSel, "count(DISTINCT actor_id) AS total")

	args := append([]any{}, bdArgs...)
	args = append(args, whereArgs...)
	args = append(args, qr.BucketStarts())

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"SELECT %s\nFROM (\n  SELECT %s\n  FROM (\n    SELECT %s\n    FROM %s\n    WHERE %s\n    GROUP BY %s\n  )\n  ARRAY JOIN arrayMap(i -> event_day + toIntervalDay(i), range(0, %d)) AS active_day\n)\nWHERE bucket IN (?)",
		strings.Join(outerSel, ", "),
		strings.Join(midSel, ", "),
		strings.Join(innerSel, ", "),
		from,
		strings.Join(where, "\n      AND "),
		strings.Join(innerGroup, ", "),
		lookback+1,
	)
	writeTrailer(&sb, group, opts.TotalValue)
	return &PlannedQuery{SQL: sb.String(), Args: args, TotalValue: opts.TotalValue}, nil
}

// composeCountPerActor renders per-actor count statistics: an inner layer
// counting each actor's events per bucket, then the outer statistic over those
// intermediate counts.
func (c *Composer) composeCountPerActor(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, opts ComposeOptions) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, opts.CohortValue, true)
	if err != nil {
		return nil, err
	}

	var innerSel, group []string
	var args []any
	if !opts.TotalValue {
		innerSel = append(innerSel, fmt.Sprintf("%s AS bucket", c.bucketExpr(qr, "timestamp")))
		group = append(group, "bucket")
	}
	bdSel, bdAliases, bdArgs := breakdownSelects(bd)
	innerSel = append(innerSel, bdSel...)
	group = append(group, bdAliases...)
	args = append(args, bdArgs...)
	innerSel = append(innerSel, fmt.Sprintf("%s AS actor_id", c.team.ActorExpr()), "count() AS intermediate_count")
	args = append(args, whereArgs...)

	outerSel := append(append([]string{}, group...), plan.OuterExpr+" AS total")

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s\nFROM (\n  SELECT %s\n  FROM %s\n  WHERE %s\n  GROUP BY %s\n)",
		strings.Join(outerSel, ", "),
		strings.Join(innerSel, ", "),
		from,
		strings.Join(where, "\n    AND "),
		strings.Join(append(append([]string{}, group...), "actor_id"), ", "),
	)
	writeTrailer(&sb, group, opts.TotalValue)
	return &PlannedQuery{SQL: sb.String(), Args: args, TotalValue: opts.TotalValue}, nil
}

// composeFirstTime renders first-time-ever math: each actor's earliest
// matching event across all history, bucketed by when it happened. The inner
// scan deliberately has no lower time bound; the range is applied to the
// first-event timestamp afterwards.
func (c *Composer) composeFirstTime(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, opts ComposeOptions) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, opts.CohortValue, false)
	if err != nil {
		return nil, err
	}

	innerSel := []string{
		fmt.Sprintf("%s AS actor_id", c.team.ActorExpr()),
		"min(timestamp) AS first_ts",
	}
	var args []any
	var bdAliases []string
	for i, col := range bd.Columns {
		alias := breakdownAlias(i, len(bd.Columns))
		// The breakdown value at the actor's first event.
		innerSel = append(innerSel, fmt.Sprintf("argMin(%s, timestamp) AS %s", col.Expr, alias))
		bdAliases = append(bdAliases, alias)
		args = append(args, col.Args...)
	}
	args = append(args, whereArgs...)

	var outerSel, group []string
	if !opts.TotalValue {
		outerSel = append(outerSel, fmt.Sprintf("%s AS bucket", c.bucketExpr(qr, "first_ts")))
		group = append(group, "bucket")
	}
	outerSel = append(outerSel, bdAliases...)
	group = append(group, bdAliases...)
	outerSel = append(outerSel, "count() AS total")

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"SELECT %s\nFROM (\n  SELECT %s\n  FROM %s\n  WHERE %s\n  GROUP BY actor_id\n)\nWHERE first_ts >= ? AND first_ts <= ?",
		strings.Join(outerSel, ", "),
		strings.Join(innerSel, ", "),
		from,
		strings.Join(where, "\n    AND "),
	)
	args = append(args, qr.From(), qr.To())
	writeTrailer(&sb, group, opts.TotalValue)
	return &PlannedQuery{SQL: sb.String(), Args: args, TotalValue: opts.TotalValue}, nil
}

// BoundsQuery renders the min/max pre-query a histogram breakdown needs before
// its bin expressions can be built. Result columns are min_<i>/max_<i> per
// breakdown dimension index.
func (c *Composer) BoundsQuery(ctx context.Context, q *schema.TrendsQuery, series schema.Series, plan *AggregationPlan, qr *timerange.QueryRange, bd *BreakdownPlan, cohortValue string) (*PlannedQuery, error) {
	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, cohortValue, true)
	if err != nil {
		return nil, err
	}

	var sel []string
	for i, col := range bd.Columns {
		if col.Spec.HistogramBinCount == 0 {
			continue
		}
		sel = append(sel, fmt.Sprintf("min(%s) AS min_%d", col.NumericExpr, i))
		sel = append(sel, fmt.Sprintf("max(%s) AS max_%d", col.NumericExpr, i))
	}
	if len(sel) == 0 {
		return nil, configErrorf("bounds query requested without histogram breakdowns")
	}

	sql := fmt.Sprintf("SELECT %s\nFROM %s\nWHERE %s", strings.Join(sel, ", "), from, strings.Join(where, "\n  AND "))
	return &PlannedQuery{SQL: sql, Args: whereArgs}, nil
}

// bucketExpr renders the interval truncation of a timestamp column.
func (c *Composer) bucketExpr(qr *timerange.QueryRange, col string) string {
	switch qr.Interval() {
	case schema.IntervalMinute:
		return fmt.Sprintf("toStartOfMinute(%s)", col)
	case schema.IntervalHour:
		return fmt.Sprintf("toStartOfHour(%s)", col)
	case schema.IntervalWeek:
		// Mode 0 starts weeks on Sunday, mode 3 on Monday, matching the
		// team's week_start_day setting.
		mode := 0
		if c.team.WeekStartDay == 1 {
			mode = 3
		}
		return fmt.Sprintf("toStartOfWeek(%s, %d)", col, mode)
	case schema.IntervalMonth:
		return fmt.Sprintf("toStartOfMonth(%s)", col)
	default:
		return fmt.Sprintf("toStartOfDay(%s)", col)
	}
}

// fromClause renders the scan target: the events table or a warehouse table,
// with the optional SAMPLE clause.
func (c *Composer) fromClause(q *schema.TrendsQuery, series schema.Series) (string, error) {
	table := "events"
	if series.Kind == schema.SeriesKindDataWarehouse {
		if !tableNameRe.MatchString(series.TableName) {
			return "", configErrorf("invalid data warehouse table name %q", series.TableName)
		}
		table = series.TableName
	}
	if f := q.SamplingFactor; f != nil && *f > 0 && *f < 1 {
		table += " SAMPLE " + strconv.FormatFloat(*f, 'f', -1, 64)
	}
	return table, nil
}

// baseFilters assembles the WHERE fragments shared by every shape: team and
// time scoping, the event predicate, property filters, and cohort
// restriction. lowerBound is dropped for first-time math, whose scan covers
// all history.
func (c *Composer) baseFilters(
	ctx context.Context,
	q *schema.TrendsQuery,
	series schema.Series,
	plan *AggregationPlan,
	qr *timerange.QueryRange,
	cohortValue string,
	lowerBound bool,
) ([]string, []any, error) {
	frags := []string{"team_id = ?"}
	args := []any{c.team.ID}

	if lowerBound {
		frags = append(frags, "timestamp >= ?")
		args = append(args, qr.From())
	}
	frags = append(frags, "timestamp <= ?")
	args = append(args, qr.To())

	eventFrag, eventArgs, err := c.eventPredicate(ctx, series)
	if err != nil {
		return nil, nil, err
	}
	if eventFrag != "" {
		frags = append(frags, eventFrag)
		args = append(args, eventArgs...)
	}

	if q.FilterTestAccounts && len(c.team.TestAccountFilters) > 0 {
		frag, a, err := c.props.Compile(c.team.TestAccountFilters, c.team)
		if err != nil {
			return nil, nil, fmt.Errorf("compiling test account filters: %w", err)
		}
		if frag != "" {
			frags = append(frags, frag)
			args = append(args, a...)
		}
	}
	if len(q.Properties) > 0 {
		frag, a, err := c.props.Compile(q.Properties, c.team)
		if err != nil {
			return nil, nil, err
		}
		if frag != "" {
			frags = append(frags, frag)
			args = append(args, a...)
		}
	}
	if len(series.Properties) > 0 {
		frag, a, err := c.props.Compile(series.Properties, c.team)
		if err != nil {
			return nil, nil, err
		}
		if frag != "" {
			frags = append(frags, frag)
			args = append(args, a...)
		}
	}

	if cohortValue != "" {
		frag, a, err := CohortPredicate(ctx, c.cohorts, c.team, cohortValue)
		if err != nil {
			return nil, nil, err
		}
		if frag != "" {
			frags = append(frags, frag)
			args = append(args, a...)
		}
	}

	if plan.ExtraWhere != "" {
		frags = append(frags, plan.ExtraWhere)
	}
	return frags, args, nil
}

// eventPredicate renders the event selection for a series. A deleted action
// matches nothing instead of failing the whole insight.
func (c *Composer) eventPredicate(ctx context.Context, series schema.Series) (string, []any, error) {
	switch series.Kind {
	case schema.SeriesKindAction:
		action, err := c.actions.GetAction(ctx, c.team.ID, series.ActionID)
		if errors.Is(err, team.ErrActionNotFound) {
			return "1 = 2", nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("resolving action %d: %w", series.ActionID, err)
		}
		if len(action.Steps) == 0 {
			return "1 = 2", nil, nil
		}
		var stepFrags []string
		var args []any
		for _, step := range action.Steps {
			var conds []string
			if step.Event != "" {
				conds = append(conds, "event = ?")
				args = append(args, step.Event)
			}
			if len(step.Properties) > 0 {
				frag, a, err := c.props.Compile(step.Properties, c.team)
				if err != nil {
					return "", nil, err
				}
				if frag != "" {
					conds = append(conds, frag)
					args = append(args, a...)
				}
			}
			if len(conds) == 0 {
				conds = []string{"1 = 1"}
			}
			stepFrags = append(stepFrags, "("+strings.Join(conds, " AND ")+")")
		}
		return "(" + strings.Join(stepFrags, " OR ") + ")", args, nil

	case schema.SeriesKindDataWarehouse:
		return "", nil, nil

	default:
		if series.Event == "" {
			return "", nil, nil
		}
		return "event = ?", []any{series.Event}, nil
	}
}

// breakdownSelects renders the breakdown key columns for a select list.
func breakdownSelects(bd *BreakdownPlan) (sel, aliases []string, args []any) {
	if !bd.Enabled() {
		return nil, nil, nil
	}
	for i, col := range bd.Columns {
		alias := breakdownAlias(i, len(bd.Columns))
		sel = append(sel, fmt.Sprintf("%s AS %s", col.Expr, alias))
		aliases = append(aliases, alias)
		args = append(args, col.Args...)
	}
	return sel, aliases, args
}

// writeTrailer appends GROUP BY / ORDER BY for the given grouping columns.
func writeTrailer(sb *strings.Builder, group []string, totalValue bool) {
	if len(group) > 0 {
		fmt.Fprintf(sb, "\nGROUP BY %s", strings.Join(group, ", "))
	}
	if !totalValue {
		sb.WriteString("\nORDER BY bucket")
	} else if len(group) > 0 {
		sb.WriteString("\nORDER BY total DESC")
	}
}
