package trends

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jazware/trends/pkg/schema"
)

// WarmFunc re-runs one tracked query. The run itself refreshes the cached
// state as a side effect.
type WarmFunc func(ctx context.Context, teamID int, q *schema.TrendsQuery) error

// Warmer re-runs recently served cache-eligible queries in the background so
// their cached state stays fresh between dashboard visits.
type Warmer struct {
	logger *slog.Logger
	run    WarmFunc

	// Interval is the pause between warm cycles.
	Interval time.Duration
	// MaxAge drops queries that have not been served recently; warming a
	// dashboard nobody looks at anymore just burns query budget.
	MaxAge time.Duration
	// MaxPerCycle bounds the engine load one cycle can generate.
	MaxPerCycle int

	mu      sync.Mutex
	tracked map[string]*warmEntry
}

type warmEntry struct {
	teamID     int
	query      schema.TrendsQuery
	lastServed time.Time
}

// NewWarmer returns a warmer that refreshes tracked queries via run.
func NewWarmer(logger *slog.Logger, run WarmFunc) *Warmer {
	return &Warmer{
		logger:      logger.With("worker", "cache_warm"),
		run:         run,
		Interval:    15 * time.Minute,
		MaxAge:      6 * time.Hour,
		MaxPerCycle: 50,
		tracked:     map[string]*warmEntry{},
	}
}

// Track records a served query as a warming candidate. Queries whose shape
// is not cache-eligible are ignored.
func (w *Warmer) Track(teamID int, q *schema.TrendsQuery) {
	if !cacheShapeEligible(q) {
		return
	}
	key, err := CacheKey(teamID, q)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.tracked[key]; ok {
		e.lastServed = time.Now()
		return
	}
	w.tracked[key] = &warmEntry{
		teamID:     teamID,
		query:      *q,
		lastServed: time.Now(),
	}
}

// Start runs warm cycles until the context is cancelled.
func (w *Warmer) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down cache warm worker")
			return
		case <-ticker.C:
			warmCtx, span := tracer.Start(context.Background(), "warmCycle")
			w.warmCycle(warmCtx)
			span.End()
		}
	}
}

func (w *Warmer) warmCycle(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	batch := make([]*warmEntry, 0, len(w.tracked))
	for key, e := range w.tracked {
		if now.Sub(e.lastServed) > w.MaxAge {
			delete(w.tracked, key)
			continue
		}
		if len(batch) == w.MaxPerCycle {
			continue
		}
		batch = append(batch, e)
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	w.logger.Info("warming cached insights", "queries", len(batch))

	for _, e := range batch {
		if ctx.Err() != nil {
			return
		}
		q := e.query
		if err := w.run(ctx, e.teamID, &q); err != nil {
			cacheWarmRuns.WithLabelValues("error").Inc()
			w.logger.Warn("cache warm run failed", "team_id", e.teamID, "error", err)
			continue
		}
		cacheWarmRuns.WithLabelValues("ok").Inc()
	}
}
