// Package schema defines the wire types for trends insight queries: the query
// spec a client submits, the enums that drive planning, and the per-series
// result shape the engine returns.
package schema

// IntervalType is the time-bucket unit for the series x-axis.
type IntervalType string

const (
	IntervalMinute IntervalType = "minute"
	IntervalHour   IntervalType = "hour"
	IntervalDay    IntervalType = "day"
	IntervalWeek   IntervalType = "week"
	IntervalMonth  IntervalType = "month"
)

// Valid reports whether the interval is one of the supported bucket units.
func (i IntervalType) Valid() bool {
	switch i {
	case IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// MathType is the aggregation applied to a series.
type MathType string

const (
	MathTotal         MathType = "total"
	MathDAU           MathType = "dau"
	MathWeeklyActive  MathType = "weekly_active"
	MathMonthlyActive MathType = "monthly_active"
	MathUniqueSession MathType = "unique_session"
	MathUniqueGroup   MathType = "unique_group"
	MathFirstTimeEver MathType = "first_time_for_user"
	MathHogQL         MathType = "hogql"

	MathSum    MathType = "sum"
	MathAvg    MathType = "avg"
	MathMin    MathType = "min"
	MathMax    MathType = "max"
	MathMedian MathType = "median"
	MathP90    MathType = "p90"
	MathP95    MathType = "p95"
	MathP99    MathType = "p99"

	MathAvgCountPerActor    MathType = "avg_count_per_actor"
	MathMinCountPerActor    MathType = "min_count_per_actor"
	MathMaxCountPerActor    MathType = "max_count_per_actor"
	MathMedianCountPerActor MathType = "median_count_per_actor"
	MathP90CountPerActor    MathType = "p90_count_per_actor"
	MathP95CountPerActor    MathType = "p95_count_per_actor"
	MathP99CountPerActor    MathType = "p99_count_per_actor"
)

// IsPropertyMath reports whether the math aggregates a numeric property value.
func (m MathType) IsPropertyMath() bool {
	switch m {
	case MathSum, MathAvg, MathMin, MathMax, MathMedian, MathP90, MathP95, MathP99:
		return true
	}
	return false
}

// IsCountPerActor reports whether the math is a per-actor count statistic,
// which needs a two-stage (inner per-actor count, outer aggregate) query.
func (m MathType) IsCountPerActor() bool {
	switch m {
	case MathAvgCountPerActor, MathMinCountPerActor, MathMaxCountPerActor,
		MathMedianCountPerActor, MathP90CountPerActor, MathP95CountPerActor,
		MathP99CountPerActor:
		return true
	}
	return false
}

// IsActiveUser reports whether the math is a sliding-window distinct-actor
// count (weekly/monthly active users).
func (m MathType) IsActiveUser() bool {
	return m == MathWeeklyActive || m == MathMonthlyActive
}

// IsAdditive reports whether the aggregation is linear in row count, i.e.
// whether a sampled result can be corrected by dividing by the sampling
// factor. Percentiles, averages and min/max are not rescaled.
func (m MathType) IsAdditive() bool {
	switch m {
	case MathTotal, "", MathSum:
		return true
	}
	return false
}

// DisplayType selects the chart rendering and with it the result shape.
type DisplayType string

const (
	DisplayLineGraph           DisplayType = "ActionsLineGraph"
	DisplayLineGraphCumulative DisplayType = "ActionsLineGraphCumulative"
	DisplayAreaGraph           DisplayType = "ActionsAreaGraph"
	DisplayBar                 DisplayType = "ActionsBar"
	DisplayBarValue            DisplayType = "ActionsBarValue"
	DisplayPie                 DisplayType = "ActionsPie"
	DisplayTable               DisplayType = "ActionsTable"
	DisplayBoldNumber          DisplayType = "BoldNumber"
	DisplayWorldMap            DisplayType = "WorldMap"
)

// IsTotalValue reports whether the display has no time axis and each series
// collapses to a single aggregated value.
func (d DisplayType) IsTotalValue() bool {
	switch d {
	case DisplayBoldNumber, DisplayBarValue, DisplayPie, DisplayTable, DisplayWorldMap:
		return true
	}
	return false
}

// IsCumulative reports whether each bucket shows the running sum of all
// preceding buckets.
func (d DisplayType) IsCumulative() bool {
	return d == DisplayLineGraphCumulative
}

// BreakdownType identifies where the breakdown property lives.
type BreakdownType string

const (
	BreakdownTypeEvent   BreakdownType = "event"
	BreakdownTypePerson  BreakdownType = "person"
	BreakdownTypeGroup   BreakdownType = "group"
	BreakdownTypeSession BreakdownType = "session"
	BreakdownTypeCohort  BreakdownType = "cohort"
	BreakdownTypeHogQL   BreakdownType = "hogql"
)

// Breakdown sentinels and their display labels. These are part of the wire
// contract and must round-trip exactly between planning and labeling.
const (
	BreakdownOtherValue = "$$_posthog_breakdown_other_$$"
	BreakdownNullValue  = "$$_posthog_breakdown_null_$$"
	BreakdownOtherLabel = "Other (i.e. all remaining values)"
	BreakdownNullLabel  = "None (i.e. no value)"
)

// CohortAll is the cohort breakdown value meaning "count everyone".
const CohortAll = "all"

// DefaultBreakdownLimit is the Top-N cutoff when the query does not set one.
const DefaultBreakdownLimit = 25

// WorldMapBreakdownLimit overrides the Top-N cutoff for world-map displays,
// which need one bucket per country.
const WorldMapBreakdownLimit = 250

// ExportBreakdownLimit replaces the default Top-N cutoff in export and async
// contexts, where every value is listed instead of charted.
const ExportBreakdownLimit = 300

// SeriesKind distinguishes the source of a measured signal.
type SeriesKind string

const (
	SeriesKindEvents        SeriesKind = "EventsNode"
	SeriesKindAction        SeriesKind = "ActionsNode"
	SeriesKindDataWarehouse SeriesKind = "DataWarehouseNode"
)

// PropertyFilter is an opaque property predicate, compiled to a WHERE
// fragment by a PropertyCompiler. Field meanings follow the usual property
// filter descriptors (type/key/operator/value).
type PropertyFilter struct {
	Type     string `json:"type"`
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
	// GroupTypeIndex is required when Type is "group".
	GroupTypeIndex *int `json:"group_type_index,omitempty"`
}

// Series is one measured signal within a trends query: an event name, an
// action reference, or a data-warehouse table.
type Series struct {
	Kind SeriesKind `json:"kind"`

	// Event is the event name for EventsNode series. Empty matches all events.
	Event string `json:"event,omitempty"`
	// ActionID references a saved action for ActionsNode series.
	ActionID int `json:"id,omitempty"`
	// TableName is the warehouse table for DataWarehouseNode series.
	TableName string `json:"table_name,omitempty"`

	Math               MathType `json:"math,omitempty"`
	MathProperty       string   `json:"math_property,omitempty"`
	MathGroupTypeIndex *int     `json:"math_group_type_index,omitempty"`
	// MathExpr is the raw aggregation expression for MathHogQL series.
	// Trusted input, validated upstream.
	MathExpr string `json:"math_hogql,omitempty"`

	Properties []PropertyFilter `json:"properties,omitempty"`
	CustomName string           `json:"custom_name,omitempty"`
}

// Name returns the display name for the series before any custom name or
// breakdown suffix is applied.
func (s Series) Name() string {
	if s.CustomName != "" {
		return s.CustomName
	}
	switch s.Kind {
	case SeriesKindDataWarehouse:
		return s.TableName
	default:
		if s.Event == "" && s.Kind == SeriesKindEvents {
			return "All events"
		}
		return s.Event
	}
}

// Breakdown is a single breakdown dimension.
type Breakdown struct {
	Type     BreakdownType `json:"type"`
	Property string        `json:"property"`
	// GroupTypeIndex is required for group breakdowns.
	GroupTypeIndex *int `json:"group_type_index,omitempty"`
	// HistogramBinCount requests equal-width numeric binning.
	HistogramBinCount int `json:"histogram_bin_count,omitempty"`
	// CustomBins are explicit bin edges; values outside all bins fold into
	// the "Other" bucket. Mutually exclusive with HistogramBinCount.
	CustomBins []float64 `json:"custom_bins,omitempty"`
	// NormalizeURL trims trailing path separators before bucketing.
	NormalizeURL bool `json:"normalize_url,omitempty"`
}

// BreakdownFilter is the query-level breakdown specification: either a single
// breakdown, or multiple breakdowns producing a tuple-valued key, or a cohort
// breakdown over a list of cohort IDs.
type BreakdownFilter struct {
	Breakdown  *Breakdown  `json:"breakdown,omitempty"`
	Breakdowns []Breakdown `json:"breakdowns,omitempty"`
	// Cohorts holds cohort IDs (or the string "all") for cohort breakdowns.
	Cohorts []string `json:"cohorts,omitempty"`
	// Limit is the Top-N cutoff before folding into "Other". Zero means the
	// default for the execution context.
	Limit int `json:"breakdown_limit,omitempty"`
	// HideOther suppresses the synthetic "Other" bucket entirely.
	HideOther bool `json:"breakdown_hide_other_aggregation,omitempty"`
}

// IsCohort reports whether this is a cohort breakdown.
func (bf *BreakdownFilter) IsCohort() bool {
	return bf != nil && len(bf.Cohorts) > 0
}

// Enabled reports whether any breakdown dimension is configured.
func (bf *BreakdownFilter) Enabled() bool {
	return bf != nil && (bf.Breakdown != nil || len(bf.Breakdowns) > 0 || len(bf.Cohorts) > 0)
}

// All returns the breakdown dimensions in order, normalizing the single and
// multiple forms.
func (bf *BreakdownFilter) All() []Breakdown {
	if bf == nil {
		return nil
	}
	if len(bf.Breakdowns) > 0 {
		return bf.Breakdowns
	}
	if bf.Breakdown != nil {
		return []Breakdown{*bf.Breakdown}
	}
	return nil
}

// CompareFilter requests a previous-period overlay.
type CompareFilter struct {
	Compare bool `json:"compare"`
	// CompareTo is an optional relative offset (e.g. "-1w") replacing the
	// default mirrored previous period.
	CompareTo string `json:"compare_to,omitempty"`
}

// Active reports whether a comparison overlay was requested.
func (cf *CompareFilter) Active() bool {
	return cf != nil && cf.Compare
}

// TrendsFilter carries display-level options.
type TrendsFilter struct {
	Display            DisplayType `json:"display,omitempty"`
	Formulas           []string    `json:"formulas,omitempty"`
	SmoothingIntervals int         `json:"smoothingIntervals,omitempty"`
}

// DateRange is the logical date range of a query. From and To accept absolute
// dates ("2020-01-09") or relative expressions ("-7d", "-1mStart").
type DateRange struct {
	From string `json:"date_from,omitempty"`
	To   string `json:"date_to,omitempty"`
	// ExplicitDate preserves the exact edge timestamps instead of aligning
	// them to interval starts.
	ExplicitDate bool `json:"explicitDate,omitempty"`
}

// TrendsQuery is the full request. It is never mutated after query-plan
// expansion begins; dashboard overlays rewrite it strictly before planning.
type TrendsQuery struct {
	Series             []Series         `json:"series"`
	DateRange          DateRange        `json:"dateRange"`
	Interval           IntervalType     `json:"interval,omitempty"`
	BreakdownFilter    *BreakdownFilter `json:"breakdownFilter,omitempty"`
	CompareFilter      *CompareFilter   `json:"compareFilter,omitempty"`
	TrendsFilter       TrendsFilter     `json:"trendsFilter,omitempty"`
	SamplingFactor     *float64         `json:"samplingFactor,omitempty"`
	FilterTestAccounts bool             `json:"filterTestAccounts,omitempty"`
	Properties         []PropertyFilter `json:"properties,omitempty"`
}

// ResolvedInterval returns the query interval, defaulting to day.
func (q *TrendsQuery) ResolvedInterval() IntervalType {
	if q.Interval == "" {
		return IntervalDay
	}
	return q.Interval
}
