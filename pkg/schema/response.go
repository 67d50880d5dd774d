package schema

// CompareLabelCurrent and CompareLabelPrevious tag the two halves of a
// comparison overlay.
const (
	CompareLabelCurrent  = "current"
	CompareLabelPrevious = "previous"
)

// ActionInfo echoes back the series definition a result row belongs to.
type ActionInfo struct {
	ID           any      `json:"id"`
	Name         string   `json:"name"`
	Math         MathType `json:"math,omitempty"`
	MathProperty string   `json:"math_property,omitempty"`
	Order        int      `json:"order"`
}

// SeriesResult is the per-series output: a data array aligned to days, plus
// labeling metadata. It is also the unit cached for incremental reuse.
type SeriesResult struct {
	Data   []float64 `json:"data"`
	Days   []string  `json:"days"`
	Labels []string  `json:"labels"`
	Count  float64   `json:"count"`
	Label  string    `json:"label"`

	BreakdownValue  any        `json:"breakdown_value,omitempty"`
	CompareLabel    string     `json:"compare_label,omitempty"`
	AggregatedValue float64    `json:"aggregated_value,omitempty"`
	Action          ActionInfo `json:"action"`

	// ActionOrder mirrors Action.Order for in-memory formula grouping. It
	// does not serialize; anything crossing a cache boundary must key on
	// Action.Order instead.
	ActionOrder int `json:"-"`
}

// Clone returns a deep copy; splicing cached results must never alias the
// cached arrays.
func (r SeriesResult) Clone() SeriesResult {
	out := r
	out.Data = append([]float64(nil), r.Data...)
	out.Days = append([]string(nil), r.Days...)
	out.Labels = append([]string(nil), r.Labels...)
	return out
}

// QueryTiming is one timed phase of query execution.
type QueryTiming struct {
	Key       string  `json:"k"`
	DurationS float64 `json:"t"`
}

// TrendsResponse is the top-level response.
type TrendsResponse struct {
	Results []SeriesResult `json:"results"`
	Timings []QueryTiming  `json:"timings,omitempty"`
	// SQL is the rendered query text for the last built query, exposed for
	// debugging.
	SQL   string `json:"hogql,omitempty"`
	Error string `json:"error,omitempty"`
}
