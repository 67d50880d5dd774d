package trends

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jazware/trends/pkg/schema"
)

// Formula is a compiled arithmetic expression over letter-indexed series
// (A = series 0, B = series 1, ...).
type Formula struct {
	Source  string
	program *vm.Program
}

// SeriesLetter returns the formula variable name for a series index: A..Z,
// then AA, AB, ...
func SeriesLetter(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return string(rune('A'+i/26-1)) + string(rune('A'+i%26))
}

// CompileFormula parses and compiles a formula string.
func CompileFormula(src string) (*Formula, error) {
	if src == "" {
		return nil, configErrorf("empty formula")
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, configErrorf("invalid formula %q: %v", src, err)
	}
	return &Formula{Source: src, program: program}, nil
}

// Evaluate runs the formula over one set of per-series values, indexed by
// series order. Non-finite results (division by zero and friends) collapse
// to 0 so charts never carry NaN.
func (f *Formula) Evaluate(values []float64) (float64, error) {
	env := make(map[string]any, len(values))
	for i, v := range values {
		env[SeriesLetter(i)] = v
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return 0, fmt.Errorf("evaluating formula %q: %w", f.Source, err)
	}

	var result float64
	switch n := out.(type) {
	case float64:
		result = n
	case int:
		result = float64(n)
	default:
		return 0, configErrorf("formula %q did not produce a number (%T)", f.Source, out)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, nil
	}
	return result, nil
}

// ApplyToGroup combines one group of series results (all sharing a breakdown
// value / compare label) into a single formula result. Missing members of the
// group are treated as all-zero so the algebra never fails on ragged data.
func (f *Formula) ApplyToGroup(group []schema.SeriesResult, seriesCount int) (schema.SeriesResult, error) {
	if len(group) == 0 {
		return schema.SeriesResult{}, configErrorf("empty series group for formula %q", f.Source)
	}

	// Index members by series order; the template provides days/labels and
	// the grouping metadata.
	byOrder := make([]*schema.SeriesResult, seriesCount)
	template := group[0]
	for i := range group {
		r := &group[i]
		if r.ActionOrder >= 0 && r.ActionOrder < seriesCount {
			byOrder[r.ActionOrder] = r
		}
	}

	out := schema.SeriesResult{
		Days:           append([]string(nil), template.Days...),
		Labels:         append([]string(nil), template.Labels...),
		Label:          fmt.Sprintf("Formula (%s)", f.Source),
		BreakdownValue: template.BreakdownValue,
		CompareLabel:   template.CompareLabel,
		Action: schema.ActionInfo{
			ID:    fmt.Sprintf("Formula (%s)", f.Source),
			Name:  fmt.Sprintf("Formula (%s)", f.Source),
			Order: 0,
		},
	}

	if template.Data == nil {
		// Total-value mode: the formula applies to each series' single
		// scalar.
		values := make([]float64, seriesCount)
		for i, r := range byOrder {
			if r != nil {
				values[i] = r.AggregatedValue
			}
		}
		v, err := f.Evaluate(values)
		if err != nil {
			return schema.SeriesResult{}, err
		}
		out.AggregatedValue = v
		out.Count = v
		return out, nil
	}

	n := len(template.Data)
	out.Data = make([]float64, n)
	values := make([]float64, seriesCount)
	for i := 0; i < n; i++ {
		for s, r := range byOrder {
			if r != nil && i < len(r.Data) {
				values[s] = r.Data[i]
			} else {
				values[s] = 0
			}
		}
		v, err := f.Evaluate(values)
		if err != nil {
			return schema.SeriesResult{}, err
		}
		out.Data[i] = v
	}
	out.Count = sumData(out.Data)
	return out, nil
}
