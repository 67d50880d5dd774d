// Package trends plans and executes trends insight queries: it expands a
// query spec into per-series engine queries, runs them, and folds the raw
// buckets back into chart-ready series.
package trends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
	"github.com/jazware/trends/pkg/timerange"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("trends")

// Runner executes trends queries end to end.
type Runner struct {
	logger   *slog.Logger
	executor querier.Executor
	team     *team.Team
	cohorts  team.CohortResolver
	composer *Composer
	cache    *InsightCache

	// Sequential disables parallel execution; tests use it for deterministic
	// ordering of executor calls.
	Sequential bool
	// MaxParallel bounds concurrent engine queries. Zero means unbounded.
	MaxParallel int
	// Now injects the wall clock.
	Now func() time.Time
}

// NewRunner wires a runner for one team's context. cache may be nil.
func NewRunner(
	logger *slog.Logger,
	executor querier.Executor,
	tm *team.Team,
	actions team.ActionResolver,
	cohorts team.CohortResolver,
	props team.PropertyCompiler,
	cache *InsightCache,
) *Runner {
	return &Runner{
		logger:   logger.With("component", "trends_runner", "team_id", tm.ID),
		executor: executor,
		team:     tm,
		cohorts:  cohorts,
		composer: NewComposer(tm, actions, cohorts, props),
		cache:    cache,
		Now:      time.Now,
	}
}

// cell is one expanded engine query: a series crossed with its compare period
// and cohort restriction.
type cell struct {
	seriesIndex int
	series      schema.Series
	plan        *AggregationPlan
	qr          *timerange.QueryRange

	compareLabel string
	cohortValue  string
	cohortName   string

	planned *PlannedQuery
}

// Run executes the query and returns the chart-ready response.
func (r *Runner) Run(ctx context.Context, q *schema.TrendsQuery, lc querier.LimitContext) (*schema.TrendsResponse, error) {
	ctx, span := tracer.Start(ctx, "TrendsRunner:Run")
	defer span.End()

	start := time.Now()
	resp, err := r.run(ctx, q, lc)
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

func (r *Runner) run(ctx context.Context, q *schema.TrendsQuery, lc querier.LimitContext) (*schema.TrendsResponse, error) {
	if len(q.Series) == 0 {
		return nil, configErrorf("query has no series")
	}

	qr, err := timerange.New(q.DateRange, q.ResolvedInterval(), r.Now(), r.team.Location(), r.team.WeekStartDay)
	if err != nil {
		return nil, err
	}
	bd, err := PlanBreakdowns(q.BreakdownFilter, r.team)
	if err != nil {
		return nil, err
	}

	cells, err := r.expand(ctx, q, qr, bd)
	if err != nil {
		return nil, err
	}
	expandedQueries.Observe(float64(len(cells)))

	if bd.NeedsBounds() {
		if err := r.resolveBounds(ctx, q, cells[0], bd, lc); err != nil {
			return nil, err
		}
	}

	totalValue := q.TrendsFilter.Display.IsTotalValue()
	for _, c := range cells {
		c.planned, err = r.composer.Compose(ctx, q, c.series, c.plan, c.qr, bd, ComposeOptions{
			CohortValue: c.cohortValue,
			TotalValue:  totalValue,
		})
		if err != nil {
			return nil, err
		}
	}

	raw, err := r.execute(ctx, cells, lc)
	if err != nil {
		return nil, err
	}

	resp := &schema.TrendsResponse{}
	var results []schema.SeriesResult
	for i, c := range cells {
		cellResults, perr := r.postprocess(q, c, bd, raw[i], totalValue, lc)
		if perr != nil {
			return nil, perr
		}
		results = append(results, cellResults...)
		for _, t := range raw[i].Timings {
			resp.Timings = append(resp.Timings, schema.QueryTiming{Key: t.Key, DurationS: t.DurationS})
		}
	}

	if len(q.TrendsFilter.Formulas) > 0 {
		results, err = r.applyFormulas(q, results)
		if err != nil {
			return nil, err
		}
	}

	r.stitchAndStore(ctx, q, qr, results)

	resp.Results = results
	if len(cells) > 0 {
		resp.SQL = cells[len(cells)-1].planned.SQL
	}
	return resp, nil
}

// expand crosses the query's series with its compare periods and cohort
// breakdown values.
func (r *Runner) expand(ctx context.Context, q *schema.TrendsQuery, qr *timerange.QueryRange, bd *BreakdownPlan) ([]*cell, error) {
	type period struct {
		label string
		qr    *timerange.QueryRange
	}
	periods := []period{{qr: qr}}
	if q.CompareFilter.Active() {
		prev, err := qr.PreviousPeriod(q.CompareFilter.CompareTo)
		if err != nil {
			return nil, err
		}
		periods = []period{
			{label: schema.CompareLabelCurrent, qr: qr},
			{label: schema.CompareLabelPrevious, qr: prev},
		}
	}

	type cohortCell struct {
		value string
		name  string
	}
	cohortCells := []cohortCell{{}}
	if len(bd.CohortIDs) > 0 || bd.IncludesAll {
		cohortCells = nil
		if bd.IncludesAll {
			cohortCells = append(cohortCells, cohortCell{value: schema.CohortAll, name: "all users"})
		}
		for _, id := range bd.CohortIDs {
			cohort, err := r.cohorts.GetCohort(ctx, r.team.ID, id)
			if errors.Is(err, team.ErrCohortNotFound) {
				r.logger.Warn("skipping deleted cohort in breakdown", "cohort_id", id)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolving cohort %d: %w", id, err)
			}
			cohortCells = append(cohortCells, cohortCell{value: strconv.Itoa(id), name: cohort.Name})
		}
		if len(cohortCells) == 0 {
			return nil, configErrorf("every cohort in the breakdown has been deleted")
		}
	}

	var cells []*cell
	for i, s := range q.Series {
		plan, err := PlanAggregation(s, r.team)
		if err != nil {
			return nil, err
		}
		for _, p := range periods {
			for _, cc := range cohortCells {
				cells = append(cells, &cell{
					seriesIndex:  i,
					series:       s,
					plan:         plan,
					qr:           p.qr,
					compareLabel: p.label,
					cohortValue:  cc.value,
					cohortName:   cc.name,
				})
			}
		}
	}
	return cells, nil
}

// resolveBounds runs the histogram min/max pre-query and fixes the bin
// expressions. Bounds come from the full current range so every cell buckets
// identically.
func (r *Runner) resolveBounds(ctx context.Context, q *schema.TrendsQuery, first *cell, bd *BreakdownPlan, lc querier.LimitContext) error {
	pq, err := r.composer.BoundsQuery(ctx, q, first.series, first.plan, first.qr, bd, "")
	if err != nil {
		return err
	}
	res, err := r.executor.Execute(ctx, querier.Query{SQL: pq.SQL, Args: pq.Args, LimitContext: lc})
	if err != nil {
		return &ExecutionError{SeriesOrder: first.seriesIndex, Err: err}
	}
	bounds := make(map[int][2]float64)
	if len(res.Rows) > 0 {
		mapper := querier.NewRowMapper(res.Columns)
		for i, col := range bd.Columns {
			if col.Spec.HistogramBinCount == 0 {
				continue
			}
			lo, loErr := mapper.Float(fmt.Sprintf("min_%d", i), res.Rows[0])
			hi, hiErr := mapper.Float(fmt.Sprintf("max_%d", i), res.Rows[0])
			if loErr != nil || hiErr != nil {
				// No numeric values in range; a degenerate single-point bin
				// set keeps the query valid.
				lo, hi = 0, 0
			}
			bounds[i] = [2]float64{lo, hi}
		}
	}
	return bd.WithHistogramBins(bounds)
}

// execute runs the cells' queries, in parallel unless configured otherwise.
// Results land in per-cell slots so output order never depends on scheduling.
func (r *Runner) execute(ctx context.Context, cells []*cell, lc querier.LimitContext) ([]*querier.Result, error) {
	ctx, span := tracer.Start(ctx, "TrendsRunner:Execute")
	defer span.End()

	results := make([]*querier.Result, len(cells))

	runOne := func(ctx context.Context, i int) error {
		c := cells[i]
		res, err := r.executor.Execute(ctx, querier.Query{
			SQL:          c.planned.SQL,
			Args:         c.planned.Args,
			LimitContext: lc,
		})
		if err != nil {
			return &ExecutionError{SeriesOrder: c.seriesIndex, Err: err}
		}
		results[i] = res
		return nil
	}

	if r.Sequential {
		for i := range cells {
			if err := runOne(ctx, i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.MaxParallel > 0 {
		g.SetLimit(r.MaxParallel)
	}
	for i := range cells {
		g.Go(func() error { return runOne(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// postprocess folds one cell's raw rows into chart series: zero-filled
// buckets, breakdown grouping with Top-N limiting, sampling correction, and
// the display transforms.
func (r *Runner) postprocess(q *schema.TrendsQuery, c *cell, bd *BreakdownPlan, res *querier.Result, totalValue bool, lc querier.LimitContext) ([]schema.SeriesResult, error) {
	mapper := querier.NewRowMapper(res.Columns)

	starts := c.qr.BucketStarts()
	bucketIndex := make(map[string]int, len(starts))
	days := make([]string, len(starts))
	labels := make([]string, len(starts))
	for i, b := range starts {
		key := c.qr.FormatBucket(b)
		bucketIndex[key] = i
		days[i] = key
		labels[i] = c.qr.FormatLabel(b)
	}

	items := map[string]*BreakdownSeries{}
	var order []string
	getItem := func(key string) *BreakdownSeries {
		if it, ok := items[key]; ok {
			return it
		}
		it := &BreakdownSeries{Key: key}
		if !totalValue {
			it.Data = make([]float64, len(starts))
		}
		items[key] = it
		order = append(order, key)
		return it
	}

	for _, row := range res.Rows {
		var parts []string
		for i := range bd.Columns {
			parts = append(parts, formatBreakdownCell(mapper.Value(breakdownAlias(i, len(bd.Columns)), row)))
		}
		key := joinBreakdownKey(parts)

		total, err := mapper.Float("total", row)
		if err != nil {
			return nil, fmt.Errorf("reading series %d result: %w", c.seriesIndex, err)
		}
		it := getItem(key)
		if totalValue {
			it.Aggregated += total
			continue
		}
		bucket, err := mapper.Time("bucket", row)
		if err != nil {
			return nil, fmt.Errorf("reading series %d result: %w", c.seriesIndex, err)
		}
		if idx, ok := bucketIndex[c.qr.FormatBucket(bucket.In(c.qr.Location()))]; ok {
			it.Data[idx] += total
		}
	}

	var flat []BreakdownSeries
	for _, key := range order {
		flat = append(flat, *items[key])
	}
	if bd.Enabled() {
		var hideOther bool
		if q.BreakdownFilter != nil {
			hideOther = q.BreakdownFilter.HideOther
		}
		flat = LimitBreakdowns(flat, breakdownLimit(q, lc), hideOther)
	} else if len(flat) == 0 {
		// Zero rows still produce one zero-filled series.
		flat = append(flat, *getItem(""))
	}

	out := make([]schema.SeriesResult, 0, len(flat))
	for _, item := range flat {
		// An all-zero "no value" bucket is noise, not signal.
		if item.Key != "" && breakdownClass(item.Key) == 1 && item.total() == 0 {
			continue
		}
		sr, err := r.buildSeriesResult(q, c, bd, item, days, labels, totalValue)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

func (r *Runner) buildSeriesResult(q *schema.TrendsQuery, c *cell, bd *BreakdownPlan, item BreakdownSeries, days, labels []string, totalValue bool) (schema.SeriesResult, error) {
	sr := schema.SeriesResult{
		Label:        c.series.Name(),
		CompareLabel: c.compareLabel,
		ActionOrder:  c.seriesIndex,
		Action: schema.ActionInfo{
			Name:         c.series.Name(),
			Math:         c.series.Math,
			MathProperty: c.series.MathProperty,
			Order:        c.seriesIndex,
		},
	}
	switch c.series.Kind {
	case schema.SeriesKindAction:
		sr.Action.ID = c.series.ActionID
	default:
		sr.Action.ID = c.series.Name()
	}

	data := item.Data
	aggregated := item.Aggregated

	// Sampled additive aggregates scale back up by the sampling factor.
	if f := q.SamplingFactor; f != nil && *f > 0 && *f < 1 && c.plan.Additive {
		for i := range data {
			data[i] = data[i] / *f
		}
		aggregated = aggregated / *f
	}

	if !totalValue {
		if w := q.TrendsFilter.SmoothingIntervals; w > 1 {
			data = Smooth(data, w)
		}
		if q.TrendsFilter.Display.IsCumulative() {
			Cumulative(data)
		}
		sr.Data = data
		sr.Days = append([]string(nil), days...)
		sr.Labels = append([]string(nil), labels...)
		sr.Count = sumData(data)
	} else {
		sr.AggregatedValue = aggregated
		sr.Count = aggregated
	}

	// With multiple series the breakdown value suffixes the series label;
	// with a single series the breakdown value IS the label.
	multiSeries := len(q.Series) > 1
	switch {
	case c.cohortValue != "":
		sr.BreakdownValue = c.cohortValue
		if multiSeries {
			sr.Label = fmt.Sprintf("%s - %s", sr.Label, c.cohortName)
		} else {
			sr.Label = c.cohortName
		}
	case bd.Enabled():
		parts := splitBreakdownKey(item.Key)
		display := make([]string, len(parts))
		for i, p := range parts {
			display[i] = breakdownDisplayLabel(p)
		}
		if len(parts) == 1 {
			sr.BreakdownValue = parts[0]
		} else {
			vals := make([]any, len(parts))
			for i, p := range parts {
				vals[i] = p
			}
			sr.BreakdownValue = vals
		}
		if multiSeries {
			sr.Label = fmt.Sprintf("%s - %s", sr.Label, joinDisplay(display))
		} else {
			sr.Label = joinDisplay(display)
		}
	}
	return sr, nil
}

// breakdownLimit resolves the effective Top-N cutoff for a run. Exports and
// async runs enumerate values rather than charting them, so their default
// cutoff is far higher.
func breakdownLimit(q *schema.TrendsQuery, lc querier.LimitContext) int {
	if q.TrendsFilter.Display == schema.DisplayWorldMap {
		return schema.WorldMapBreakdownLimit
	}
	if q.BreakdownFilter != nil && q.BreakdownFilter.Limit > 0 {
		return q.BreakdownFilter.Limit
	}
	if lc == querier.LimitContextExport || lc == querier.LimitContextAsync {
		return schema.ExportBreakdownLimit
	}
	return schema.DefaultBreakdownLimit
}

func joinDisplay(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "::" + p
	}
	return out
}

// breakdownDisplayLabel maps the sentinel keys to their human labels.
func breakdownDisplayLabel(key string) string {
	switch key {
	case schema.BreakdownOtherValue:
		return schema.BreakdownOtherLabel
	case schema.BreakdownNullValue:
		return schema.BreakdownNullLabel
	}
	return key
}

// formatBreakdownCell renders one raw breakdown column value as its canonical
// string key.
func formatBreakdownCell(v any) string {
	switch vv := v.(type) {
	case nil:
		return schema.BreakdownNullValue
	case string:
		if vv == "" {
			return schema.BreakdownNullValue
		}
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// applyFormulas replaces per-series results with one result per formula per
// (breakdown, compare) group.
func (r *Runner) applyFormulas(q *schema.TrendsQuery, results []schema.SeriesResult) ([]schema.SeriesResult, error) {
	formulas := make([]*Formula, 0, len(q.TrendsFilter.Formulas))
	for _, src := range q.TrendsFilter.Formulas {
		f, err := CompileFormula(src)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, f)
	}

	groupKey := func(sr schema.SeriesResult) string {
		return fmt.Sprintf("%v|%s", sr.BreakdownValue, sr.CompareLabel)
	}
	groups := map[string][]schema.SeriesResult{}
	var groupOrder []string
	for _, sr := range results {
		k := groupKey(sr)
		if _, ok := groups[k]; !ok {
			groupOrder = append(groupOrder, k)
		}
		groups[k] = append(groups[k], sr)
	}

	var out []schema.SeriesResult
	for _, f := range formulas {
		for _, k := range groupOrder {
			sr, err := f.ApplyToGroup(groups[k], len(q.Series))
			if err != nil {
				return nil, err
			}
			out = append(out, sr)
		}
	}

	// Combined results order by compare label first (current before
	// previous), then by count descending.
	comparing := q.CompareFilter.Active()
	sort.SliceStable(out, func(i, j int) bool {
		if comparing && out[i].CompareLabel != out[j].CompareLabel {
			return out[i].CompareLabel < out[j].CompareLabel
		}
		return out[i].Count > out[j].Count
	})
	return out, nil
}

// stitchAndStore runs the cache verification pass and refreshes the stored
// state. Cache failures never fail the query.
func (r *Runner) stitchAndStore(ctx context.Context, q *schema.TrendsQuery, qr *timerange.QueryRange, results []schema.SeriesResult) {
	if r.cache == nil || !CacheEligible(q, qr) {
		return
	}
	state, err := r.cache.Get(ctx, r.team.ID, q)
	if err != nil {
		r.logger.Warn("reading insight cache failed", "error", err)
	} else if !state.Stale(qr) {
		stitched := state.Stitch(results, qr)
		r.cache.Verify(results, stitched, r.team.ID)
	}
	if err := r.cache.Store(ctx, r.team.ID, q, results, r.Now()); err != nil {
		r.logger.Warn("storing insight cache failed", "error", err)
	}
}
