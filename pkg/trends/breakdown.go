package trends

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/team"
)

// Bin is one numeric breakdown bucket and its display label.
type Bin struct {
	Lo    float64
	Hi    float64
	Label string
	// OpenLo / OpenHi mark unbounded edges of custom bins ("< 15", ">= 32").
	OpenLo bool
	OpenHi bool
}

// BreakdownColumn is the planned form of one breakdown dimension: the SQL
// expression producing its canonical string key, plus everything needed to
// reverse a concrete value back into a predicate for actor drill-down.
type BreakdownColumn struct {
	Spec schema.Breakdown

	// Expr produces the canonical string key: cast to string, empty mapped
	// to the null sentinel, optionally URL-normalized or bin-labeled.
	Expr string
	Args []any

	// RawExpr is the property access before canonicalization.
	RawExpr string
	// NumericExpr is the float-cast property access used for binning.
	NumericExpr string

	// Bins is set for histogram/custom-bin breakdowns. Histogram bins are
	// filled in after the bounds query resolves min/max.
	Bins []Bin
}

// Alias returns the result column name for the i-th breakdown dimension.
func breakdownAlias(i, total int) string {
	if total <= 1 {
		return "breakdown_value"
	}
	return fmt.Sprintf("breakdown_value_%d", i+1)
}

// BreakdownPlan is the planner output for a whole breakdown filter.
type BreakdownPlan struct {
	Columns []BreakdownColumn
	// CohortIDs holds the cohort IDs of a cohort breakdown ("all" excluded).
	CohortIDs []int
	// IncludesAll is true when a cohort breakdown contains the "all" value.
	IncludesAll bool
}

// Enabled reports whether the plan adds breakdown key columns to queries.
func (p *BreakdownPlan) Enabled() bool {
	return p != nil && len(p.Columns) > 0
}

// NeedsBounds reports whether any column waits for a min/max bounds query
// before its bin expression can be rendered.
func (p *BreakdownPlan) NeedsBounds() bool {
	if p == nil {
		return false
	}
	for _, c := range p.Columns {
		if c.Spec.HistogramBinCount > 0 && len(c.Bins) == 0 {
			return true
		}
	}
	return false
}

// PlanBreakdowns validates and plans the breakdown filter.
func PlanBreakdowns(filter *schema.BreakdownFilter, tm *team.Team) (*BreakdownPlan, error) {
	if !filter.Enabled() {
		return &BreakdownPlan{}, nil
	}

	plan := &BreakdownPlan{}

	if filter.IsCohort() {
		if len(filter.All()) > 0 {
			return nil, configErrorf("cohort breakdown cannot be combined with property breakdowns")
		}
		for _, v := range filter.Cohorts {
			if v == schema.CohortAll {
				plan.IncludesAll = true
				continue
			}
			id, err := strconv.Atoi(v)
			if err != nil {
				return nil, configErrorf("invalid cohort id %q", v)
			}
			plan.CohortIDs = append(plan.CohortIDs, id)
		}
		return plan, nil
	}

	dims := filter.All()
	for _, b := range dims {
		if b.HistogramBinCount > 0 && len(b.CustomBins) > 0 {
			return nil, configErrorf("breakdown %q sets both histogram_bin_count and custom_bins", b.Property)
		}
		if b.Type == schema.BreakdownTypeCohort {
			return nil, configErrorf("cohort breakdowns must use the cohorts list, not a property breakdown")
		}
		col, err := planBreakdownColumn(b)
		if err != nil {
			return nil, err
		}
		plan.Columns = append(plan.Columns, col)
	}
	return plan, nil
}

func planBreakdownColumn(b schema.Breakdown) (BreakdownColumn, error) {
	raw, err := breakdownPropertyExpr(b)
	if err != nil {
		return BreakdownColumn{}, err
	}

	col := BreakdownColumn{
		Spec:        b,
		RawExpr:     raw,
		NumericExpr: fmt.Sprintf("toFloat64OrNull(%s)", raw),
	}

	switch {
	case len(b.CustomBins) > 0:
		if len(b.CustomBins) < 2 {
			return BreakdownColumn{}, configErrorf("custom_bins for %q needs at least two edges", b.Property)
		}
		for i := 1; i < len(b.CustomBins); i++ {
			if b.CustomBins[i] <= b.CustomBins[i-1] {
				return BreakdownColumn{}, configErrorf("custom_bins for %q must be strictly increasing", b.Property)
			}
		}
		col.Bins = CustomBins(b.CustomBins)
		col.Expr = binExpr(col.NumericExpr, col.Bins)
	case b.HistogramBinCount > 0:
		// Expr is rendered by WithHistogramBins once bounds are known.
	default:
		col.Expr = canonicalKeyExpr(raw, b.NormalizeURL)
	}
	return col, nil
}

// breakdownPropertyExpr renders the raw property access for one dimension.
func breakdownPropertyExpr(b schema.Breakdown) (string, error) {
	key := escapeSQLString(b.Property)
	switch b.Type {
	case schema.BreakdownTypePerson:
		return fmt.Sprintf("JSONExtractString(person_properties, '%s')", key), nil
	case schema.BreakdownTypeGroup:
		if b.GroupTypeIndex == nil {
			return "", configErrorf("group breakdown %q missing group_type_index", b.Property)
		}
		return fmt.Sprintf("JSONExtractString(group_%d_properties, '%s')", *b.GroupTypeIndex, key), nil
	case schema.BreakdownTypeSession:
		if b.Property == sessionDurationProperty {
			return "toString(session_duration)", nil
		}
		return fmt.Sprintf("JSONExtractString(session_properties, '%s')", key), nil
	case schema.BreakdownTypeHogQL:
		// Trusted expression from the insight definition.
		return b.Property, nil
	case schema.BreakdownTypeEvent, "":
		return fmt.Sprintf("JSONExtractString(properties, '%s')", key), nil
	default:
		return "", configErrorf("unsupported breakdown type %q", b.Type)
	}
}

// canonicalKeyExpr wraps a raw property access into the canonical string key:
// cast to string, empty mapped to the null sentinel, optional URL trim.
func canonicalKeyExpr(raw string, normalizeURL bool) string {
	v := fmt.Sprintf("toString(%s)", raw)
	if normalizeURL {
		// Keep a bare "/" intact; otherwise strip trailing path separators.
		v = fmt.Sprintf("if(length(trimRight(%s, '/?#')) > 0, trimRight(%s, '/?#'), %s)", v, v, v)
	}
	return fmt.Sprintf("if(empty(%s), '%s', %s)", v, schema.BreakdownNullValue, v)
}

// WithHistogramBins resolves the deferred bin expressions of histogram
// columns once the bounds query produced each column's min/max.
func (p *BreakdownPlan) WithHistogramBins(bounds map[int][2]float64) error {
	for i := range p.Columns {
		col := &p.Columns[i]
		if col.Spec.HistogramBinCount == 0 {
			continue
		}
		b, ok := bounds[i]
		if !ok {
			return configErrorf("missing bounds for histogram breakdown %q", col.Spec.Property)
		}
		col.Bins = HistogramBins(b[0], b[1], col.Spec.HistogramBinCount)
		col.Expr = binExpr(col.NumericExpr, col.Bins)
	}
	return nil
}

// HistogramBins splits [min, max] into count equal-width bins. The last bin's
// upper bound is nudged by 0.01 so the maximum value itself falls inside it.
func HistogramBins(min, max float64, count int) []Bin {
	if count <= 0 {
		return nil
	}
	width := (max - min) / float64(count)
	bins := make([]Bin, count)
	for i := range bins {
		lo := min + float64(i)*width
		hi := min + float64(i+1)*width
		if i == count-1 {
			hi = max + 0.01
		}
		bins[i] = Bin{
			Lo:    lo,
			Hi:    hi,
			Label: fmt.Sprintf("[%s,%s]", formatBinEdge(lo), formatBinEdge(hi)),
		}
	}
	return bins
}

// CustomBins builds bins from explicit edges: an open "< first" bin, closed
// middle ranges, and an open ">= last" bin.
func CustomBins(edges []float64) []Bin {
	bins := make([]Bin, 0, len(edges)+1)
	bins = append(bins, Bin{
		Hi:     edges[0],
		OpenLo: true,
		Label:  fmt.Sprintf("< %s", formatBinEdge(edges[0])),
	})
	for i := 1; i < len(edges); i++ {
		bins = append(bins, Bin{
			Lo:    edges[i-1],
			Hi:    edges[i],
			Label: fmt.Sprintf("%s - %s", formatBinEdge(edges[i-1]), formatBinEdge(edges[i])),
		})
	}
	bins = append(bins, Bin{
		Lo:     edges[len(edges)-1],
		OpenHi: true,
		Label:  fmt.Sprintf(">= %s", formatBinEdge(edges[len(edges)-1])),
	})
	return bins
}

func formatBinEdge(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// binExpr renders a multiIf mapping the numeric value into its bin label;
// values outside every bin (including non-numeric ones) fold into "Other".
func binExpr(numeric string, bins []Bin) string {
	var sb strings.Builder
	sb.WriteString("multiIf(")
	for _, b := range bins {
		var conds []string
		if !b.OpenLo {
			conds = append(conds, fmt.Sprintf("%s >= %s", numeric, formatBinEdge(b.Lo)))
		}
		if !b.OpenHi {
			conds = append(conds, fmt.Sprintf("%s < %s", numeric, formatBinEdge(b.Hi)))
		}
		cond := strings.Join(conds, " AND ")
		if cond == "" {
			cond = fmt.Sprintf("isNotNull(%s)", numeric)
		}
		fmt.Fprintf(&sb, "%s, '%s', ", cond, escapeSQLString(b.Label))
	}
	fmt.Fprintf(&sb, "'%s')", schema.BreakdownOtherValue)
	return sb.String()
}

// CohortPredicate renders the WHERE fragment restricting base rows to the
// given cohort value ("all" means no filter).
func CohortPredicate(ctx context.Context, resolver team.CohortResolver, tm *team.Team, cohortValue string) (string, []any, error) {
	if cohortValue == schema.CohortAll || cohortValue == "0" {
		return "", nil, nil
	}
	id, err := strconv.Atoi(cohortValue)
	if err != nil {
		return "", nil, configErrorf("invalid cohort value %q", cohortValue)
	}
	frag, args, err := resolver.MembershipPredicate(ctx, tm.ID, id)
	if err != nil {
		return "", nil, fmt.Errorf("resolving cohort %d: %w", id, err)
	}
	return frag, args, nil
}

// Reverse-mapping regexes for actor drill-down. The bin label formats above
// are part of the wire contract, so these parse exactly what binExpr emits.
var (
	histogramLabelRe = regexp.MustCompile(`^\[(-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)\]$`)
	customBinGERe    = regexp.MustCompile(`^>= (-?\d+(?:\.\d+)?)$`)
	customBinLTRe    = regexp.MustCompile(`^< (-?\d+(?:\.\d+)?)$`)
	customBinRangeRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?) - (-?\d+(?:\.\d+)?)$`)
)

// ActorFilter maps one concrete breakdown value back to the predicate that
// produced it, for drill-down queries. shownValues is the set of values the
// chart displayed; the "Other" sentinel on a plain breakdown means "none of
// those".
func (c BreakdownColumn) ActorFilter(value string, shownValues []string) (string, []any, error) {
	binned := c.Spec.HistogramBinCount > 0 || len(c.Spec.CustomBins) > 0

	switch {
	case value == schema.BreakdownNullValue:
		if binned {
			return fmt.Sprintf("isNull(%s)", c.NumericExpr), nil, nil
		}
		return fmt.Sprintf("empty(toString(%s))", c.RawExpr), nil, nil

	case value == schema.BreakdownOtherValue && binned:
		// Outside every configured bin.
		var conds []string
		for _, b := range c.Bins {
			conds = append(conds, binRangeCond(c.NumericExpr, b))
		}
		if len(conds) == 0 {
			return "1 = 1", nil, nil
		}
		return fmt.Sprintf("NOT (%s)", strings.Join(conds, " OR ")), nil, nil

	case value == schema.BreakdownOtherValue:
		if len(shownValues) == 0 {
			return "", nil, configErrorf("cannot resolve the Other bucket without the displayed breakdown values")
		}
		args := make([]any, 0, len(shownValues))
		for _, v := range shownValues {
			args = append(args, v)
		}
		return fmt.Sprintf("%s NOT IN (%s)", c.Expr, trimPlaceholders(len(args))), args, nil

	case binned:
		bin, err := parseBinLabel(value)
		if err != nil {
			return "", nil, err
		}
		return binRangeCond(c.NumericExpr, bin), nil, nil

	default:
		return fmt.Sprintf("%s = ?", c.Expr), []any{value}, nil
	}
}

func binRangeCond(numeric string, b Bin) string {
	var conds []string
	if !b.OpenLo {
		conds = append(conds, fmt.Sprintf("%s >= %s", numeric, formatBinEdge(b.Lo)))
	}
	if !b.OpenHi {
		conds = append(conds, fmt.Sprintf("%s < %s", numeric, formatBinEdge(b.Hi)))
	}
	if len(conds) == 0 {
		return fmt.Sprintf("isNotNull(%s)", numeric)
	}
	return "(" + strings.Join(conds, " AND ") + ")"
}

// parseBinLabel reverses a bin label into its numeric range.
func parseBinLabel(label string) (Bin, error) {
	if m := histogramLabelRe.FindStringSubmatch(label); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		return Bin{Lo: lo, Hi: hi}, nil
	}
	if m := customBinGERe.FindStringSubmatch(label); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		return Bin{Lo: lo, Hi: math.Inf(1), OpenHi: true}, nil
	}
	if m := customBinLTRe.FindStringSubmatch(label); m != nil {
		hi, _ := strconv.ParseFloat(m[1], 64)
		return Bin{Lo: math.Inf(-1), Hi: hi, OpenLo: true}, nil
	}
	if m := customBinRangeRe.FindStringSubmatch(label); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		return Bin{Lo: lo, Hi: hi}, nil
	}
	return Bin{}, configErrorf("unparseable bin label %q", label)
}

func trimPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
