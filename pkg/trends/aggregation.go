package trends

import (
	"fmt"

	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
)

// AggregationKind tags whether a plan resolved to a single SQL aggregate or
// must be deferred to the composer, which owns the bucket structure the
// multi-stage variants need.
type AggregationKind int

const (
	// AggregationResolved carries a ready aggregation expression.
	AggregationResolved AggregationKind = iota
	// AggregationActiveWindow is weekly/monthly active-user math: a sliding
	// window distinct-actor count over a lookback-extended range.
	AggregationActiveWindow
	// AggregationCountPerActor is a per-actor count statistic: inner
	// per-actor count, outer aggregate-of-aggregate.
	AggregationCountPerActor
	// AggregationFirstTime counts actors whose first-ever matching event
	// falls in the bucket.
	AggregationFirstTime
)

// AggregationPlan is the output of aggregation planning for one series.
type AggregationPlan struct {
	Kind AggregationKind
	Math schema.MathType

	// Expr is the SQL aggregate over base rows, set when Kind is
	// AggregationResolved.
	Expr string
	Args []any

	// OuterExpr is the aggregate applied on top of the intermediate per-actor
	// count column, set when Kind is AggregationCountPerActor.
	OuterExpr string

	// RequiresOrchestration is true when the plan needs a multi-stage nested
	// query instead of a single grouping pass.
	RequiresOrchestration bool

	// OnSessionDuration is true when the aggregated value is the synthetic
	// session_duration column, which needs a one-row-per-session layer.
	OnSessionDuration bool

	// Additive reports whether a sampled result may be corrected by dividing
	// by the sampling factor. Percentiles and averages are not linear and are
	// left untouched.
	Additive bool

	// ExtraWhere filters the base rows (e.g. excluding empty group keys).
	ExtraWhere string
}

const sessionDurationProperty = "$session_duration"

var percentileByMath = map[schema.MathType]float64{
	schema.MathMedian: 0.5,
	schema.MathP90:    0.9,
	schema.MathP95:    0.95,
	schema.MathP99:    0.99,
}

var countPerActorOuter = map[schema.MathType]string{
	schema.MathAvgCountPerActor:    "avg(intermediate_count)",
	schema.MathMinCountPerActor:    "min(intermediate_count)",
	schema.MathMaxCountPerActor:    "max(intermediate_count)",
	schema.MathMedianCountPerActor: "quantile(0.5)(intermediate_count)",
	schema.MathP90CountPerActor:    "quantile(0.9)(intermediate_count)",
	schema.MathP95CountPerActor:    "quantile(0.95)(intermediate_count)",
	schema.MathP99CountPerActor:    "quantile(0.99)(intermediate_count)",
}

// PlanAggregation maps a series' math type onto an aggregation plan.
func PlanAggregation(series schema.Series, tm *team.Team) (*AggregationPlan, error) {
	math := series.Math
	if math == "" {
		math = schema.MathTotal
	}

	plan := &AggregationPlan{Math: math, Additive: math.IsAdditive()}

	switch {
	case math == schema.MathTotal:
		plan.Expr = "count()"

	case math == schema.MathDAU:
		plan.Expr = fmt.Sprintf("count(DISTINCT %s)", tm.ActorExpr())

	case math.IsActiveUser():
		plan.Kind = AggregationActiveWindow
		plan.RequiresOrchestration = true

	case math == schema.MathUniqueSession:
		plan.Expr = "count(DISTINCT session_id)"
		plan.ExtraWhere = "session_id != ''"

	case math == schema.MathUniqueGroup:
		if series.MathGroupTypeIndex == nil {
			return nil, configErrorf("unique_group math requires math_group_type_index")
		}
		col := fmt.Sprintf("group_%d", *series.MathGroupTypeIndex)
		plan.Expr = fmt.Sprintf("count(DISTINCT %s)", col)
		// Rows without a group key carry an empty string and must not count.
		plan.ExtraWhere = col + " != ''"

	case math == schema.MathFirstTimeEver:
		plan.Kind = AggregationFirstTime
		plan.RequiresOrchestration = true

	case math.IsPropertyMath():
		if series.MathProperty == "" {
			return nil, configErrorf("math %q requires math_property", math)
		}
		value := numericPropertyExpr(series.MathProperty)
		plan.OnSessionDuration = series.MathProperty == sessionDurationProperty
		if p, ok := percentileByMath[math]; ok {
			plan.Expr = fmt.Sprintf("quantile(%g)(%s)", p, value)
		} else {
			plan.Expr = fmt.Sprintf("%s(%s)", math, value)
		}

	case math == schema.MathHogQL:
		if series.MathExpr == "" {
			return nil, configErrorf("hogql math requires math_hogql expression")
		}
		// Trusted input from the series definition, validated upstream.
		plan.Expr = series.MathExpr

	case math.IsCountPerActor():
		plan.Kind = AggregationCountPerActor
		plan.RequiresOrchestration = true
		plan.OuterExpr = countPerActorOuter[math]

	default:
		return nil, configErrorf("unsupported math type %q", math)
	}

	return plan, nil
}

// numericPropertyExpr renders the numeric value a property-math series
// aggregates. $session_duration maps to the synthetic session_duration
// column instead of a JSON lookup.
func numericPropertyExpr(property string) string {
	if property == sessionDurationProperty {
		return "session_duration"
	}
	return fmt.Sprintf("toFloat64OrNull(JSONExtractRaw(properties, '%s'))", escapeSQLString(property))
}

// escapeSQLString escapes single quotes and backslashes for inlined string
// literals. Planner-controlled identifiers only; user-supplied values always
// travel as query args.
func escapeSQLString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
