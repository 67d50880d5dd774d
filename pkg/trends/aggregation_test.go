package trends

import (
	"strings"
	"testing"

	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
)

func TestPlanAggregation(t *testing.T) {
	tm := &team.Team{ID: 1}
	idx := 2

	tests := []struct {
		name          string
		series        schema.Series
		wantExpr      string
		wantKind      AggregationKind
		wantOrchestra bool
		wantAdditive  bool
	}{
		{
			name:         "default is total",
			series:       schema.Series{Event: "$pageview"},
			wantExpr:     "count()",
			wantAdditive: true,
		},
		{
			name:     "dau counts person_id",
			series:   schema.Series{Event: "$pageview", Math: schema.MathDAU},
			wantExpr: "count(DISTINCT person_id)",
		},
		{
			name:          "weekly active is deferred",
			series:        schema.Series{Event: "$pageview", Math: schema.MathWeeklyActive},
			wantKind:      AggregationActiveWindow,
			wantOrchestra: true,
		},
		{
			name:     "unique sessions",
			series:   schema.Series{Event: "$pageview", Math: schema.MathUniqueSession},
			wantExpr: "count(DISTINCT session_id)",
		},
		{
			name:     "unique group",
			series:   schema.Series{Event: "$pageview", Math: schema.MathUniqueGroup, MathGroupTypeIndex: &idx},
			wantExpr: "count(DISTINCT group_2)",
		},
		{
			name:         "sum over property",
			series:       schema.Series{Event: "purchase", Math: schema.MathSum, MathProperty: "amount"},
			wantExpr:     "sum(toFloat64OrNull(JSONExtractRaw(properties, 'amount')))",
			wantAdditive: true,
		},
		{
			name:     "p90 over property",
			series:   schema.Series{Event: "purchase", Math: schema.MathP90, MathProperty: "amount"},
			wantExpr: "quantile(0.9)(toFloat64OrNull(JSONExtractRaw(properties, 'amount')))",
		},
		{
			name:     "custom expression passes through",
			series:   schema.Series{Event: "purchase", Math: schema.MathHogQL, MathExpr: "sum(toInt(properties.qty))"},
			wantExpr: "sum(toInt(properties.qty))",
		},
		{
			name:          "count per actor is deferred",
			series:        schema.Series{Event: "$pageview", Math: schema.MathAvgCountPerActor},
			wantKind:      AggregationCountPerActor,
			wantOrchestra: true,
		},
		{
			name:          "first time ever is deferred",
			series:        schema.Series{Event: "signup", Math: schema.MathFirstTimeEver},
			wantKind:      AggregationFirstTime,
			wantOrchestra: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanAggregation(tc.series, tm)
			if err != nil {
				t.Fatal(err)
			}
			if plan.Expr != tc.wantExpr {
				t.Errorf("Expr = %q, want %q", plan.Expr, tc.wantExpr)
			}
			if plan.Kind != tc.wantKind {
				t.Errorf("Kind = %v, want %v", plan.Kind, tc.wantKind)
			}
			if plan.RequiresOrchestration != tc.wantOrchestra {
				t.Errorf("RequiresOrchestration = %v, want %v", plan.RequiresOrchestration, tc.wantOrchestra)
			}
			if plan.Additive != tc.wantAdditive {
				t.Errorf("Additive = %v, want %v", plan.Additive, tc.wantAdditive)
			}
		})
	}
}

func TestPlanAggregationDistinctIDSetting(t *testing.T) {
	tm := &team.Team{ID: 1, AggregateUsersByDistinctID: true}
	plan, err := PlanAggregation(schema.Series{Event: "$pageview", Math: schema.MathDAU}, tm)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Expr != "count(DISTINCT distinct_id)" {
		t.Errorf("Expr = %q", plan.Expr)
	}
}

func TestPlanAggregationSessionDuration(t *testing.T) {
	plan, err := PlanAggregation(schema.Series{
		Event: "$pageview", Math: schema.MathMedian, MathProperty: "$session_duration",
	}, &team.Team{ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.OnSessionDuration {
		t.Error("OnSessionDuration not set")
	}
	if !strings.Contains(plan.Expr, "session_duration") || strings.Contains(plan.Expr, "JSONExtract") {
		t.Errorf("Expr = %q, want synthetic session_duration column", plan.Expr)
	}
}

func TestPlanAggregationConfigurationErrors(t *testing.T) {
	tm := &team.Team{ID: 1}

	cases := []schema.Series{
		{Event: "x", Math: schema.MathSum},         // missing math_property
		{Event: "x", Math: schema.MathUniqueGroup}, // missing group index
		{Event: "x", Math: schema.MathHogQL},       // missing expression
		{Event: "x", Math: "exotic"},               // unknown math
	}
	for _, s := range cases {
		if _, err := PlanAggregation(s, tm); !IsConfigurationError(err) {
			t.Errorf("series %+v: expected ConfigurationError, got %v", s, err)
		}
	}
}

func TestSamplingRescaleClassification(t *testing.T) {
	// Only count/sum-like math may be rescaled after sampling.
	additive := []schema.MathType{schema.MathTotal, schema.MathSum, ""}
	notAdditive := []schema.MathType{
		schema.MathAvg, schema.MathMedian, schema.MathP99,
		schema.MathDAU, schema.MathWeeklyActive, schema.MathUniqueSession,
	}
	for _, m := range additive {
		if !m.IsAdditive() {
			t.Errorf("%q should be additive", m)
		}
	}
	for _, m := range notAdditive {
		if m.IsAdditive() {
			t.Errorf("%q should not be additive", m)
		}
	}
}
