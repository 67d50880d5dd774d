package trends

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/timerange"
)

// ActorsRequest identifies one cell of a rendered trends chart: a series,
// optionally a time bucket, and the breakdown/compare coordinates the cell
// sits at.
type ActorsRequest struct {
	SeriesIndex int

	// TimeFrame is the bucket start ("2020-01-09" or "2020-01-09 14:00:00") in
	// the team timezone. Empty for total-value cells, which cover the whole
	// range.
	TimeFrame string

	// BreakdownValues are the cell's breakdown keys, one per dimension.
	BreakdownValues []string
	// ShownValues lists the displayed values of a single plain breakdown,
	// required to resolve the synthetic "Other" bucket.
	ShownValues []string

	// CompareLabel is "previous" when the cell belongs to the comparison
	// overlay. TimeFrame is always expressed in current-period dates; the
	// builder shifts it back.
	CompareLabel string
	// CohortValue is the cohort of a cohort-breakdown cell.
	CohortValue string

	Limit  int
	Offset int
}

const defaultActorsLimit = 100

// ComposeActors renders the drill-down query for one chart cell: the actors
// that contributed to it, with their event counts and sample identifiers.
func (c *Composer) ComposeActors(
	ctx context.Context,
	q *schema.TrendsQuery,
	qr *timerange.QueryRange,
	bd *BreakdownPlan,
	req ActorsRequest,
) (*PlannedQuery, error) {
	if req.SeriesIndex < 0 || req.SeriesIndex >= len(q.Series) {
		return nil, configErrorf("series index %d out of range", req.SeriesIndex)
	}
	series := q.Series[req.SeriesIndex]
	plan, err := PlanAggregation(series, c.team)
	if err != nil {
		return nil, err
	}
	if series.Kind == schema.SeriesKindDataWarehouse {
		return nil, configErrorf("actor drill-down is not available for data warehouse series")
	}

	lo, hi, hiInclusive, err := c.actorWindow(q, qr, plan, req)
	if err != nil {
		return nil, err
	}

	from, err := c.fromClause(q, series)
	if err != nil {
		return nil, err
	}
	firstTime := plan.Kind == AggregationFirstTime
	where, whereArgs, err := c.baseFilters(ctx, q, series, plan, qr, req.CohortValue, false)
	if err != nil {
		return nil, err
	}
	// baseFilters was called without the range lower bound; drop its upper
	// bound too and re-apply the cell window explicitly below (the first-time
	// shape applies it to first_ts instead).
	where, whereArgs = dropTimestampBound(where, whereArgs)

	var windowFrags []string
	var windowArgs []any
	windowFrags = append(windowFrags, "timestamp >= ?")
	windowArgs = append(windowArgs, lo)
	if hiInclusive {
		windowFrags = append(windowFrags, "timestamp <= ?")
	} else {
		windowFrags = append(windowFrags, "timestamp < ?")
	}
	windowArgs = append(windowArgs, hi)

	if !firstTime {
		where = append(where, windowFrags...)
		whereArgs = append(whereArgs, windowArgs...)
	}

	// Breakdown cell predicates.
	if len(req.BreakdownValues) > 0 {
		if len(req.BreakdownValues) != len(bd.Columns) {
			return nil, configErrorf("got %d breakdown values for %d breakdown dimensions", len(req.BreakdownValues), len(bd.Columns))
		}
		for i, value := range req.BreakdownValues {
			frag, a, err := bd.Columns[i].ActorFilter(value, req.ShownValues)
			if err != nil {
				return nil, err
			}
			where = append(where, frag)
			whereArgs = append(whereArgs, a...)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultActorsLimit
	}

	sel := fmt.Sprintf(
		"%s AS actor_id, count() AS event_count, groupUniqArray(distinct_id) AS distinct_ids, groupUniqArray(100)(session_id) AS session_ids",
		c.team.ActorExpr(),
	)

	var sb strings.Builder
	var args []any
	if firstTime {
		// Actors whose first-ever matching event falls inside the cell window.
		fmt.Fprintf(&sb,
			"SELECT actor_id, event_count, distinct_ids, session_ids\nFROM (\n  SELECT %s, min(timestamp) AS first_ts\n  FROM %s\n  WHERE %s\n  GROUP BY actor_id\n)\nWHERE first_ts >= ? AND first_ts %s ?",
			sel, from, strings.Join(where, "\n    AND "), ltOp(hiInclusive),
		)
		args = append(args, whereArgs...)
		args = append(args, windowArgs[0], windowArgs[1])
	} else {
		fmt.Fprintf(&sb,
			"SELECT %s\nFROM %s\nWHERE %s\nGROUP BY actor_id",
			sel, from, strings.Join(where, "\n  AND "),
		)
		args = append(args, whereArgs...)
	}
	fmt.Fprintf(&sb, "\nORDER BY event_count DESC, actor_id\nLIMIT %d OFFSET %d", limit, req.Offset)

	return &PlannedQuery{SQL: sb.String(), Args: args}, nil
}

func ltOp(inclusive bool) string {
	if inclusive {
		return "<="
	}
	return "<"
}

// actorWindow resolves the cell's time window: one interval bucket clamped to
// the query range, the whole range for total-value cells, shifted back for
// previous-period cells, and widened downwards for active-user math.
func (c *Composer) actorWindow(q *schema.TrendsQuery, qr *timerange.QueryRange, plan *AggregationPlan, req ActorsRequest) (lo, hi time.Time, hiInclusive bool, err error) {
	if req.TimeFrame == "" {
		lo, hi, hiInclusive = qr.From(), qr.To(), true
	} else {
		start, perr := parseTimeFrame(req.TimeFrame, qr.Location())
		if perr != nil {
			return lo, hi, false, perr
		}
		end := qr.Step(start)
		// Explicit ranges clip partial edge buckets to the exact edges.
		if start.Before(qr.From()) {
			start = qr.From()
		}
		if end.After(qr.To()) {
			end, hiInclusive = qr.To(), true
		}
		lo, hi = start, end
	}

	if req.CompareLabel == schema.CompareLabelPrevious {
		var compareTo string
		if q.CompareFilter != nil {
			compareTo = q.CompareFilter.CompareTo
		}
		delta, derr := qr.PreviousPeriodDelta(compareTo)
		if derr != nil {
			return lo, hi, false, derr
		}
		lo, hi = lo.Add(-delta), hi.Add(-delta)
	}

	if plan.Kind == AggregationActiveWindow {
		lo = lo.AddDate(0, 0, -timerange.ActiveUserLookback(plan.Math))
	}
	return lo, hi, hiInclusive, nil
}

func parseTimeFrame(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, configErrorf("unparseable time frame %q", s)
}

// dropTimestampBound strips the upper timestamp bound baseFilters added, with
// its positional arg, so the cell window can replace it.
func dropTimestampBound(frags []string, args []any) ([]string, []any) {
	for i, f := range frags {
		if f == "timestamp <= ?" {
			// Args are positional: count the placeholders before this fragment.
			n := 0
			for _, prev := range frags[:i] {
				n += strings.Count(prev, "?")
			}
			return append(frags[:i:i], frags[i+1:]...), append(args[:n:n], args[n+1:]...)
		}
	}
	return frags, args
}

// ActorRow is one actor returned by a drill-down query.
type ActorRow struct {
	ActorID     string   `json:"id"`
	EventCount  float64  `json:"event_count"`
	DistinctIDs []string `json:"distinct_ids"`
	SessionIDs  []string `json:"session_ids"`
}

// MapActorRows converts a drill-down result set into actor rows.
func MapActorRows(res *querier.Result) ([]ActorRow, error) {
	mapper := querier.NewRowMapper(res.Columns)
	out := make([]ActorRow, 0, len(res.Rows))
	for _, row := range res.Rows {
		r := ActorRow{
			DistinctIDs: stringSlice(mapper.Value("distinct_ids", row)),
			SessionIDs:  stringSlice(mapper.Value("session_ids", row)),
		}
		// actor_id may surface as a string or a UUID value.
		if id, err := mapper.String("actor_id", row); err == nil {
			r.ActorID = id
		} else {
			r.ActorID = fmt.Sprintf("%v", mapper.Value("actor_id", row))
		}
		count, err := mapper.Float("event_count", row)
		if err != nil {
			return nil, fmt.Errorf("mapping actor row: %w", err)
		}
		r.EventCount = count
		out = append(out, r)
	}
	return out, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return nil
	}
}
