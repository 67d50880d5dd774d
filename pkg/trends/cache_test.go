package trends

import (
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/timerange"
)

func cacheTestRange(t *testing.T) *timerange.QueryRange {
	t.Helper()
	now := time.Date(2020, 1, 19, 12, 0, 0, 0, time.UTC)
	qr, err := timerange.New(schema.DateRange{From: "-7d"}, schema.IntervalDay, now, time.UTC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return qr
}

func TestCacheEligible(t *testing.T) {
	qr := cacheTestRange(t)

	cases := []struct {
		name string
		q    schema.TrendsQuery
		want bool
	}{
		{"relative open range", schema.TrendsQuery{DateRange: schema.DateRange{From: "-7d"}}, true},
		{"absolute from", schema.TrendsQuery{DateRange: schema.DateRange{From: "2020-01-09"}}, false},
		{"bounded to", schema.TrendsQuery{DateRange: schema.DateRange{From: "-7d", To: "2020-01-19"}}, false},
		{"total value display", schema.TrendsQuery{
			DateRange:    schema.DateRange{From: "-7d"},
			TrendsFilter: schema.TrendsFilter{Display: schema.DisplayBoldNumber},
		}, false},
		{"smoothing", schema.TrendsQuery{
			DateRange:    schema.DateRange{From: "-7d"},
			TrendsFilter: schema.TrendsFilter{SmoothingIntervals: 7},
		}, false},
		{"histogram breakdown", schema.TrendsQuery{
			DateRange: schema.DateRange{From: "-7d"},
			BreakdownFilter: &schema.BreakdownFilter{
				Breakdown: &schema.Breakdown{Property: "age", HistogramBinCount: 4},
			},
		}, false},
	}
	for _, tc := range cases {
		if got := CacheEligible(&tc.q, qr); got != tc.want {
			t.Errorf("%s: eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCacheKeyStable(t *testing.T) {
	q := &schema.TrendsQuery{Series: []schema.Series{{Kind: schema.SeriesKindEvents, Event: "$pageview"}}}
	k1, err := CacheKey(42, q)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := CacheKey(42, q)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Error("cache key must be deterministic")
	}
	k3, _ := CacheKey(43, q)
	if k1 == k3 {
		t.Error("cache key must include the team")
	}
}

func TestStitchReplacesTailOnly(t *testing.T) {
	qr := cacheTestRange(t)
	days := make([]string, 0, qr.BucketCount())
	for _, b := range qr.BucketStarts() {
		days = append(days, qr.FormatBucket(b))
	}

	// Cached state refreshed mid-range: the first buckets are settled, later
	// ones must come from the fresh run.
	refresh := qr.BucketStarts()[5]
	cachedData := make([]float64, len(days))
	freshData := make([]float64, len(days))
	for i := range days {
		cachedData[i] = 100
		freshData[i] = float64(i)
	}
	state := &CachedSeriesState{
		LastRefresh: refresh,
		Results: []schema.SeriesResult{
			{Label: "$pageview", Days: days, Data: cachedData},
		},
	}
	fresh := []schema.SeriesResult{
		{Label: "$pageview", Days: days, Data: freshData},
	}

	out := state.Stitch(fresh, qr)
	if len(out) != 1 {
		t.Fatalf("got %d series", len(out))
	}
	for i := range days {
		want := float64(i)
		if i < 5 {
			want = 100
		}
		if out[0].Data[i] != want {
			t.Errorf("bucket %d = %v, want %v", i, out[0].Data[i], want)
		}
	}
	if &out[0].Data[0] == &fresh[0].Data[0] {
		t.Error("stitched data must not alias the fresh arrays")
	}
}

func TestStitchSurvivesSerialization(t *testing.T) {
	qr := cacheTestRange(t)
	days := make([]string, 0, qr.BucketCount())
	for _, b := range qr.BucketStarts() {
		days = append(days, qr.FormatBucket(b))
	}

	// Cached state takes the same JSON round-trip it takes through redis.
	state := CachedSeriesState{
		LastRefresh: qr.BucketStarts()[5],
		Results: []schema.SeriesResult{
			{Label: "a", Action: schema.ActionInfo{Order: 0}, Days: days, Data: constantData(len(days), 1)},
			{Label: "b", Action: schema.ActionInfo{Order: 1}, Days: days, Data: constantData(len(days), 2)},
		},
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var loaded CachedSeriesState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		t.Fatal(err)
	}

	fresh := []schema.SeriesResult{
		{Label: "a", Action: schema.ActionInfo{Order: 0}, ActionOrder: 0, Days: days, Data: constantData(len(days), 10)},
		{Label: "b", Action: schema.ActionInfo{Order: 1}, ActionOrder: 1, Days: days, Data: constantData(len(days), 20)},
	}
	out := loaded.Stitch(fresh, qr)
	if len(out) != 2 {
		t.Fatalf("got %d series", len(out))
	}
	if out[0].Data[0] != 1 {
		t.Errorf("series a bucket 0 = %v, want cached 1", out[0].Data[0])
	}
	if out[1].Data[0] != 2 {
		t.Errorf("series b bucket 0 = %v, want cached 2 (cache entry was skipped)", out[1].Data[0])
	}
}

func constantData(n int, v float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return data
}

func TestStitchUnknownSeriesPassesThrough(t *testing.T) {
	qr := cacheTestRange(t)
	state := &CachedSeriesState{LastRefresh: qr.To()}
	fresh := []schema.SeriesResult{
		{Label: "signup", Days: []string{"2020-01-12"}, Data: []float64{3}},
	}
	out := state.Stitch(fresh, qr)
	if !reflect.DeepEqual(out[0].Data, fresh[0].Data) {
		t.Errorf("unmatched series must keep fresh data: %v", out[0].Data)
	}
}

func TestCachedStateStale(t *testing.T) {
	qr := cacheTestRange(t)
	var nilState *CachedSeriesState
	if !nilState.Stale(qr) {
		t.Error("nil state is stale")
	}
	old := &CachedSeriesState{LastRefresh: qr.From().AddDate(0, 0, -1)}
	if !old.Stale(qr) {
		t.Error("state refreshed before the range is stale")
	}
	recent := &CachedSeriesState{LastRefresh: qr.To().Add(-time.Hour)}
	if recent.Stale(qr) {
		t.Error("recently refreshed state is not stale")
	}
}
