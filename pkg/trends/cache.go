package trends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/jazware/trends/pkg/schema"
	"github.com/jazware/trends/pkg/timerange"
	"github.com/redis/go-redis/v9"
)

// InsightCache stores per-query series state in redis so that a repeated
// relative-range query can reuse the settled buckets of its previous run and
// only recompute the tail.
//
// Stitching currently runs in verification mode: the authoritative result is
// always computed in full, a stitched result is assembled alongside it, and
// any divergence is logged and counted. The response always carries the
// authoritative result.
type InsightCache struct {
	redis  redis.UniversalClient
	logger *slog.Logger
	ttl    time.Duration
}

// DefaultCacheTTL bounds how long cached series state survives without a
// refresh.
const DefaultCacheTTL = 24 * time.Hour

// NewInsightCache returns a cache over the given redis client.
func NewInsightCache(r redis.UniversalClient, logger *slog.Logger) *InsightCache {
	return &InsightCache{
		redis:  r,
		logger: logger.With("component", "insight_cache"),
		ttl:    DefaultCacheTTL,
	}
}

// CachedSeriesState is the unit stored per (team, query) pair.
type CachedSeriesState struct {
	Results     []schema.SeriesResult `json:"results"`
	LastRefresh time.Time             `json:"last_refresh"`
}

// CacheKey derives the redis key for a query: the query's canonical JSON
// form, hashed.
func CacheKey(teamID int, q *schema.TrendsQuery) (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("serializing query for cache key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("trends:%d:%s", teamID, hex.EncodeToString(sum[:])), nil
}

// Get loads the cached state for a query, or nil when none exists.
func (c *InsightCache) Get(ctx context.Context, teamID int, q *schema.TrendsQuery) (*CachedSeriesState, error) {
	key, err := CacheKey(teamID, q)
	if err != nil {
		return nil, err
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached insight: %w", err)
	}
	var state CachedSeriesState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A corrupt entry behaves like a miss; the next Store overwrites it.
		c.logger.Warn("dropping unreadable cached insight", "key", key, "error", err)
		return nil, nil
	}
	return &state, nil
}

// Store writes fresh results as the new cached state.
func (c *InsightCache) Store(ctx context.Context, teamID int, q *schema.TrendsQuery, results []schema.SeriesResult, refreshedAt time.Time) error {
	key, err := CacheKey(teamID, q)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(CachedSeriesState{Results: results, LastRefresh: refreshedAt})
	if err != nil {
		return fmt.Errorf("serializing cached insight: %w", err)
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached insight: %w", err)
	}
	return nil
}

// CacheEligible reports whether a query's shape permits incremental reuse:
// only relative, open-ended ranges with a stable bucket structure qualify.
func CacheEligible(q *schema.TrendsQuery, qr *timerange.QueryRange) bool {
	return cacheShapeEligible(q) && qr.BucketCount() >= 2
}

// cacheShapeEligible applies the range-independent part of the eligibility
// rules, usable before a query range has been resolved.
func cacheShapeEligible(q *schema.TrendsQuery) bool {
	if q.DateRange.From != "" && !timerange.IsRelative(q.DateRange.From) {
		return false
	}
	if q.DateRange.To != "" {
		return false
	}
	if q.TrendsFilter.Display.IsTotalValue() {
		return false
	}
	if q.TrendsFilter.SmoothingIntervals > 1 {
		return false
	}
	if q.BreakdownFilter != nil {
		for _, b := range q.BreakdownFilter.All() {
			// Bin edges depend on the observed min/max and shift between runs.
			if b.HistogramBinCount > 0 || len(b.CustomBins) > 0 {
				return false
			}
		}
	}
	return true
}

// Stale reports whether cached state is too old to stitch: once the last
// refresh predates the current range entirely, no cached bucket overlaps.
func (s *CachedSeriesState) Stale(qr *timerange.QueryRange) bool {
	return s == nil || !s.LastRefresh.After(qr.From())
}

// stitchKey groups series results across runs. It keys on Action.Order
// rather than ActionOrder: cached results round-trip through JSON and only
// the former survives serialization.
func stitchKey(r schema.SeriesResult) string {
	return fmt.Sprintf("%d|%s|%v|%s", r.Action.Order, r.Label, r.BreakdownValue, r.CompareLabel)
}

// Stitch assembles the incremental result: cached values for buckets settled
// before the last refresh, fresh values from the refresh bucket onwards. The
// fresh result provides the authoritative bucket axis.
func (s *CachedSeriesState) Stitch(fresh []schema.SeriesResult, qr *timerange.QueryRange) []schema.SeriesResult {
	cached := make(map[string]schema.SeriesResult, len(s.Results))
	for _, r := range s.Results {
		cached[stitchKey(r)] = r
	}
	refreshBucket := qr.FormatBucket(qr.Trunc(s.LastRefresh))

	out := make([]schema.SeriesResult, 0, len(fresh))
	for _, f := range fresh {
		stitched := f.Clone()
		prev, ok := cached[stitchKey(f)]
		if ok {
			prevByDay := make(map[string]float64, len(prev.Days))
			for i, day := range prev.Days {
				if i < len(prev.Data) {
					prevByDay[day] = prev.Data[i]
				}
			}
			for i, day := range stitched.Days {
				if day >= refreshBucket {
					continue
				}
				if v, ok := prevByDay[day]; ok {
					stitched.Data[i] = v
				}
			}
			stitched.Count = sumData(stitched.Data)
		}
		out = append(out, stitched)
	}
	return out
}

// Verify diffs a stitched result against the authoritative one and records
// the outcome. Returns the number of diverging cells.
func (c *InsightCache) Verify(authoritative, stitched []schema.SeriesResult, teamID int) int {
	mismatches := 0
	byKey := make(map[string]schema.SeriesResult, len(stitched))
	for _, r := range stitched {
		byKey[stitchKey(r)] = r
	}
	for _, a := range authoritative {
		s, ok := byKey[stitchKey(a)]
		if !ok {
			mismatches++
			continue
		}
		if len(a.Data) != len(s.Data) {
			mismatches++
			continue
		}
		for i := range a.Data {
			if a.Data[i] != s.Data[i] {
				mismatches++
			}
		}
	}
	if mismatches > 0 {
		cacheStitchResults.WithLabelValues("mismatch").Inc()
		c.logger.Warn("cache stitch diverged from authoritative result",
			"team_id", teamID,
			"mismatched_cells", mismatches,
		)
	} else {
		cacheStitchResults.WithLabelValues("match").Inc()
	}
	return mismatches
}
