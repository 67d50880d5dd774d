package trends

import (
	"math"
	"sort"
	"strings"

	"github.com/jazware/trends/pkg/schema"
)

// breakdownTupleSep joins the per-dimension keys of a multiple breakdown into
// one internal grouping key.
const breakdownTupleSep = "\x1f"

func joinBreakdownKey(parts []string) string {
	return strings.Join(parts, breakdownTupleSep)
}

func splitBreakdownKey(key string) []string {
	return strings.Split(key, breakdownTupleSep)
}

// BreakdownSeries is one breakdown bucket's values during post-processing.
type BreakdownSeries struct {
	Key        string
	Data       []float64
	Aggregated float64
}

func (b BreakdownSeries) total() float64 {
	if b.Data == nil {
		return b.Aggregated
	}
	return sumData(b.Data)
}

func sumData(data []float64) float64 {
	var s float64
	for _, v := range data {
		s += v
	}
	return s
}

// breakdownClass orders sentinel buckets below real values: real < None <
// Other. Dashboards depend on this exact 3-way ordering.
func breakdownClass(key string) int {
	// A tuple key counts as sentinel-classed only if every part is.
	parts := splitBreakdownKey(key)
	class := 0
	for _, p := range parts {
		switch p {
		case schema.BreakdownOtherValue:
			if class < 2 {
				class = 2
			}
		case schema.BreakdownNullValue:
			if class < 1 {
				class = 1
			}
		}
	}
	return class
}

// rankBreakdowns orders buckets for Top-N limiting: by sentinel class first
// (real values, then None, then Other), then total volume descending, ties
// broken by key ascending.
func rankBreakdowns(items []BreakdownSeries) {
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := breakdownClass(items[i].Key), breakdownClass(items[j].Key)
		if ci != cj {
			return ci < cj
		}
		ti, tj := items[i].total(), items[j].total()
		if ti != tj {
			return ti > tj
		}
		return items[i].Key < items[j].Key
	})
}

// LimitBreakdowns keeps the top `limit` buckets by rank and folds the
// remainder into the "Other" sentinel bucket by elementwise summation.
// hideOther drops the remainder instead.
func LimitBreakdowns(items []BreakdownSeries, limit int, hideOther bool) []BreakdownSeries {
	rankBreakdowns(items)
	if limit <= 0 || len(items) <= limit {
		return items
	}

	kept := items[:limit:limit]
	rest := items[limit:]
	if hideOther {
		return kept
	}

	other := BreakdownSeries{Key: schema.BreakdownOtherValue}
	if rest[0].Data != nil {
		other.Data = make([]float64, len(rest[0].Data))
	}
	for _, r := range rest {
		for i, v := range r.Data {
			if i < len(other.Data) {
				other.Data[i] += v
			}
		}
		other.Aggregated += r.Aggregated
	}

	// If an Other bucket was already kept (it ranks last, so only when limit
	// covers everything), this append cannot double it: rest is non-empty
	// exactly when Other was not kept.
	return append(kept, other)
}

// Cumulative rewrites data in place to its running sum.
func Cumulative(data []float64) {
	for i := 1; i < len(data); i++ {
		data[i] += data[i-1]
	}
}

// Smooth applies a trailing moving average over `window` buckets with
// floor(avg(...)) semantics. A window of 0 or 1 is a no-op.
func Smooth(data []float64, window int) []float64 {
	if window <= 1 {
		return data
	}
	out := make([]float64, len(data))
	var running float64
	for i, v := range data {
		running += v
		n := window
		if i+1 < window {
			n = i + 1
		} else if i >= window {
			running -= data[i-window]
		}
		out[i] = math.Floor(running / float64(n))
	}
	return out
}
