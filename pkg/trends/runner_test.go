package trends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
)

type fakeExecutor struct {
	queries []querier.Query
	respond func(call int, q querier.Query) (*querier.Result, error)
}

func (f *fakeExecutor) Execute(_ context.Context, q querier.Query) (*querier.Result, error) {
	call := len(f.queries)
	f.queries = append(f.queries, q)
	return f.respond(call, q)
}

func day(d int) time.Time {
	return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
}

func testRunner(t *testing.T, exec *fakeExecutor) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := &team.Team{ID: 42}
	r := NewRunner(logger, exec, tm, &fakeActions{}, fakeCohorts{}, team.SQLPropertyCompiler{}, nil)
	r.Sequential = true
	r.Now = func() time.Time { return time.Date(2020, 1, 19, 12, 0, 0, 0, time.UTC) }
	return r
}

func bucketRows(rows ...[]any) *querier.Result {
	return &querier.Result{Columns: []string{"bucket", "total"}, Rows: rows}
}

func TestRunZeroFills(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows(
			[]any{day(10), uint64(5)},
			[]any{day(15), uint64(3)},
		), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}

	if len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	sr := resp.Results[0]
	if len(sr.Data) != 11 || len(sr.Days) != 11 {
		t.Fatalf("data = %v, days = %v", sr.Data, sr.Days)
	}
	if sr.Days[0] != "2020-01-09" || sr.Days[10] != "2020-01-19" {
		t.Errorf("days = %v", sr.Days)
	}
	if sr.Data[1] != 5 || sr.Data[6] != 3 || sr.Data[0] != 0 {
		t.Errorf("data = %v", sr.Data)
	}
	if sr.Count != 8 {
		t.Errorf("count = %v", sr.Count)
	}
	if sr.Label != "$pageview" {
		t.Errorf("label = %q", sr.Label)
	}
	if resp.SQL == "" {
		t.Error("response must expose the rendered SQL")
	}
}

func TestRunEmptyResultStillZeroFills(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows(), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || len(resp.Results[0].Data) != 11 || resp.Results[0].Count != 0 {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestRunCompareExpandsPeriods(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows(), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:        []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:     schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		CompareFilter: &schema.CompareFilter{Compare: true},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(exec.queries))
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].CompareLabel != schema.CompareLabelCurrent ||
		resp.Results[1].CompareLabel != schema.CompareLabelPrevious {
		t.Errorf("compare labels = %q, %q", resp.Results[0].CompareLabel, resp.Results[1].CompareLabel)
	}
	// The previous series' days sit a full span earlier.
	if resp.Results[1].Days[0] >= resp.Results[0].Days[0] {
		t.Errorf("previous days = %v", resp.Results[1].Days)
	}
}

func TestRunBreakdownBooleanKeys(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return &querier.Result{
			Columns: []string{"bucket", "breakdown_value", "total"},
			Rows: [][]any{
				{day(10), true, uint64(7)},
				{day(10), false, uint64(2)},
			},
		}, nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		BreakdownFilter: &schema.BreakdownFilter{
			Breakdown: &schema.Breakdown{Type: schema.BreakdownTypeEvent, Property: "is_signed_in"},
		},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	if resp.Results[0].BreakdownValue != "true" || resp.Results[1].BreakdownValue != "false" {
		t.Errorf("breakdown values = %v, %v", resp.Results[0].BreakdownValue, resp.Results[1].BreakdownValue)
	}
	// A single-series breakdown labels each result with the value alone.
	if resp.Results[0].Label != "true" {
		t.Errorf("label = %q", resp.Results[0].Label)
	}
}

func TestRunBreakdownSuffixesLabelsForMultipleSeries(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return &querier.Result{
			Columns: []string{"bucket", "breakdown_value", "total"},
			Rows: [][]any{
				{day(10), "Chrome", uint64(7)},
			},
		}, nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series: []schema.Series{
			{Kind: schema.SeriesKindEvents, Event: "$pageview"},
			{Kind: schema.SeriesKindEvents, Event: "$signup"},
		},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		BreakdownFilter: &schema.BreakdownFilter{
			Breakdown: &schema.Breakdown{Type: schema.BreakdownTypeEvent, Property: "$browser"},
		},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	if resp.Results[0].Label != "$pageview - Chrome" || resp.Results[1].Label != "$signup - Chrome" {
		t.Errorf("labels = %q, %q", resp.Results[0].Label, resp.Results[1].Label)
	}
}

func TestRunBreakdownSentinelLabels(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return &querier.Result{
			Columns: []string{"bucket", "breakdown_value", "total"},
			Rows: [][]any{
				{day(10), "Chrome", uint64(7)},
				{day(10), schema.BreakdownNullValue, uint64(2)},
			},
		}, nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		BreakdownFilter: &schema.BreakdownFilter{
			Breakdown: &schema.Breakdown{Type: schema.BreakdownTypeEvent, Property: "$browser"},
		},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	null := resp.Results[1]
	if null.BreakdownValue != schema.BreakdownNullValue {
		t.Errorf("breakdown value must stay the raw sentinel: %v", null.BreakdownValue)
	}
	if !strings.Contains(null.Label, schema.BreakdownNullLabel) {
		t.Errorf("label = %q", null.Label)
	}
}

func TestRunFormula(t *testing.T) {
	exec := &fakeExecutor{respond: func(call int, _ querier.Query) (*querier.Result, error) {
		if call == 0 {
			return bucketRows([]any{day(10), uint64(10)}), nil
		}
		return bucketRows([]any{day(10), uint64(6)}), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series: []schema.Series{
			{Kind: schema.SeriesKindEvents, Event: "a"},
			{Kind: schema.SeriesKindEvents, Event: "b"},
		},
		DateRange:    schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		TrendsFilter: schema.TrendsFilter{Formulas: []string{"A+2*B"}},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	sr := resp.Results[0]
	if sr.Label != "Formula (A+2*B)" {
		t.Errorf("label = %q", sr.Label)
	}
	if sr.Data[1] != 22 || sr.Count != 22 {
		t.Errorf("data = %v, count = %v", sr.Data, sr.Count)
	}
}

func TestRunFormulaResultsSortByCountDescending(t *testing.T) {
	exec := &fakeExecutor{respond: func(call int, _ querier.Query) (*querier.Result, error) {
		rows := [][]any{
			{day(10), "X", uint64(5)},
			{day(10), "Y", uint64(4)},
		}
		if call == 1 {
			rows = [][]any{
				{day(10), "X", uint64(1)},
				{day(10), "Y", uint64(10)},
			}
		}
		return &querier.Result{Columns: []string{"bucket", "breakdown_value", "total"}, Rows: rows}, nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series: []schema.Series{
			{Kind: schema.SeriesKindEvents, Event: "a"},
			{Kind: schema.SeriesKindEvents, Event: "b"},
		},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		BreakdownFilter: &schema.BreakdownFilter{
			Breakdown: &schema.Breakdown{Type: schema.BreakdownTypeEvent, Property: "$browser"},
		},
		TrendsFilter: schema.TrendsFilter{Formulas: []string{"B"}},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	// Group X enters first but group Y carries the larger count.
	if resp.Results[0].BreakdownValue != "Y" || resp.Results[1].BreakdownValue != "X" {
		t.Errorf("breakdown order = %v, %v", resp.Results[0].BreakdownValue, resp.Results[1].BreakdownValue)
	}
	if resp.Results[0].Count != 10 || resp.Results[1].Count != 1 {
		t.Errorf("counts = %v, %v", resp.Results[0].Count, resp.Results[1].Count)
	}
}

func TestRunFormulaResultsSortCompareLabelFirst(t *testing.T) {
	exec := &fakeExecutor{respond: func(call int, _ querier.Query) (*querier.Result, error) {
		if call == 0 {
			return bucketRows([]any{day(10), uint64(5)}), nil
		}
		return bucketRows([]any{day(3), uint64(10)}), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:        []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:     schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		CompareFilter: &schema.CompareFilter{Compare: true},
		TrendsFilter:  schema.TrendsFilter{Formulas: []string{"A"}},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	// The previous period's count is larger, but current still sorts first.
	if resp.Results[0].CompareLabel != schema.CompareLabelCurrent ||
		resp.Results[1].CompareLabel != schema.CompareLabelPrevious {
		t.Errorf("compare order = %q, %q", resp.Results[0].CompareLabel, resp.Results[1].CompareLabel)
	}
	if resp.Results[0].Count != 5 || resp.Results[1].Count != 10 {
		t.Errorf("counts = %v, %v", resp.Results[0].Count, resp.Results[1].Count)
	}
}

func TestRunBreakdownLimitHonorsLimitContext(t *testing.T) {
	respond := func(_ int, _ querier.Query) (*querier.Result, error) {
		rows := make([][]any, 0, 30)
		for i := 0; i < 30; i++ {
			rows = append(rows, []any{day(10), fmt.Sprintf("v%02d", i), uint64(30 - i)})
		}
		return &querier.Result{Columns: []string{"bucket", "breakdown_value", "total"}, Rows: rows}, nil
	}
	q := func() *schema.TrendsQuery {
		return &schema.TrendsQuery{
			Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
			DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
			BreakdownFilter: &schema.BreakdownFilter{
				Breakdown: &schema.Breakdown{Type: schema.BreakdownTypeEvent, Property: "$browser"},
			},
		}
	}

	r := testRunner(t, &fakeExecutor{respond: respond})
	resp, err := r.Run(context.Background(), q(), querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != schema.DefaultBreakdownLimit+1 {
		t.Fatalf("interactive run: got %d results, want %d + Other", len(resp.Results), schema.DefaultBreakdownLimit)
	}
	last := resp.Results[len(resp.Results)-1]
	if last.BreakdownValue != schema.BreakdownOtherValue {
		t.Errorf("interactive run must fold the tail into Other, got %v", last.BreakdownValue)
	}

	r = testRunner(t, &fakeExecutor{respond: respond})
	resp, err = r.Run(context.Background(), q(), querier.LimitContextExport)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 30 {
		t.Fatalf("export run: got %d results, want all 30", len(resp.Results))
	}
	for _, sr := range resp.Results {
		if sr.BreakdownValue == schema.BreakdownOtherValue {
			t.Error("export run must not fold values into Other")
		}
	}
}

func TestRunSamplingRescalesAdditiveOnly(t *testing.T) {
	respond := func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows([]any{day(10), uint64(5)}), nil
	}
	f := 0.1

	exec := &fakeExecutor{respond: respond}
	r := testRunner(t, exec)
	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:         []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:      schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		SamplingFactor: &f,
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].Data[1] != 50 {
		t.Errorf("additive math must rescale: %v", resp.Results[0].Data)
	}

	exec = &fakeExecutor{respond: respond}
	r = testRunner(t, exec)
	resp, err = r.Run(context.Background(), &schema.TrendsQuery{
		Series: []schema.Series{{
			Kind: schema.SeriesKindEvents, Event: "$pageview",
			Math: schema.MathAvg, MathProperty: "duration",
		}},
		DateRange:      schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		SamplingFactor: &f,
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].Data[1] != 5 {
		t.Errorf("non-additive math must not rescale: %v", resp.Results[0].Data)
	}
}

func TestRunCumulativeDisplay(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows(
			[]any{day(9), uint64(1)},
			[]any{day(10), uint64(2)},
			[]any{day(11), uint64(3)},
		), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:       []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:    schema.DateRange{From: "2020-01-09", To: "2020-01-11"},
		TrendsFilter: schema.TrendsFilter{Display: schema.DisplayLineGraphCumulative},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Results[0].Data; got[0] != 1 || got[1] != 3 || got[2] != 6 {
		t.Errorf("cumulative data = %v", got)
	}
}

func TestRunTotalValueDisplay(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, q querier.Query) (*querier.Result, error) {
		if strings.Contains(q.SQL, "AS bucket") {
			return nil, errors.New("total-value query must not bucket")
		}
		return &querier.Result{Columns: []string{"total"}, Rows: [][]any{{uint64(42)}}}, nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:       []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:    schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		TrendsFilter: schema.TrendsFilter{Display: schema.DisplayBoldNumber},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	sr := resp.Results[0]
	if sr.AggregatedValue != 42 || sr.Data != nil {
		t.Errorf("result = %+v", sr)
	}
}

func TestRunCohortBreakdown(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return bucketRows([]any{day(10), uint64(1)}), nil
	}}
	r := testRunner(t, exec)

	resp, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:          []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange:       schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
		BreakdownFilter: &schema.BreakdownFilter{Cohorts: []string{"all", "7"}},
	}, querier.LimitContextQuery)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.queries) != 2 {
		t.Fatalf("expected one query per cohort, got %d", len(exec.queries))
	}
	if resp.Results[0].Label != "all users" {
		t.Errorf("label = %q", resp.Results[0].Label)
	}
	if resp.Results[1].Label != "power users" {
		t.Errorf("label = %q", resp.Results[1].Label)
	}
	if resp.Results[1].BreakdownValue != "7" {
		t.Errorf("breakdown value = %v", resp.Results[1].BreakdownValue)
	}
}

func TestRunExecutionError(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ int, _ querier.Query) (*querier.Result, error) {
		return nil, errors.New("engine exploded")
	}}
	r := testRunner(t, exec)

	_, err := r.Run(context.Background(), &schema.TrendsQuery{
		Series:    []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}},
		DateRange: schema.DateRange{From: "2020-01-09", To: "2020-01-19"},
	}, querier.LimitContextQuery)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.SeriesOrder != 0 {
		t.Errorf("series order = %d", ee.SeriesOrder)
	}
}

func TestRunNoSeries(t *testing.T) {
	r := testRunner(t, &fakeExecutor{respond: func(int, querier.Query) (*querier.Result, error) {
		return nil, errors.New("unreachable")
	}})
	_, err := r.Run(context.Background(), &schema.TrendsQuery{}, querier.LimitContextQuery)
	if !IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
