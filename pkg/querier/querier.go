// Package querier is the execution boundary between query planning and the
// columnar store. Planners hand it rendered SQL plus arguments; it returns
// column-name-indexed rows without any knowledge of what the query means.
package querier

import (
	"context"
	"fmt"
	"time"
)

// LimitContext maps to a maximum-execution-time hint passed to the engine.
// Interactive queries get a short budget; exports and async refreshes get a
// longer one.
type LimitContext string

const (
	LimitContextQuery  LimitContext = "query"
	LimitContextExport LimitContext = "export"
	LimitContextAsync  LimitContext = "query_async"
)

// MaxExecutionTime returns the engine-side execution budget for the context.
func (lc LimitContext) MaxExecutionTime() time.Duration {
	switch lc {
	case LimitContextExport, LimitContextAsync:
		return 10 * time.Minute
	default:
		return 60 * time.Second
	}
}

// Query is one rendered statement ready for execution.
type Query struct {
	SQL          string
	Args         []any
	LimitContext LimitContext
}

// Result is the raw output of one execution: declared column names plus rows
// of engine-typed values.
type Result struct {
	Columns []string
	Rows    [][]any
	Timings []Timing
}

// Timing is one timed phase of an execution.
type Timing struct {
	Key       string
	DurationS float64
}

// Executor executes rendered queries against the columnar store.
type Executor interface {
	Execute(ctx context.Context, q Query) (*Result, error)
}

// RowMapper resolves column values by name. It is built once per result from
// the declared column list; per-row access is then a map lookup instead of a
// linear search.
type RowMapper struct {
	index map[string]int
}

// NewRowMapper builds a mapper over the given column list.
func NewRowMapper(columns []string) *RowMapper {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return &RowMapper{index: idx}
}

// Has reports whether the result declares the named column.
func (m *RowMapper) Has(name string) bool {
	_, ok := m.index[name]
	return ok
}

// Value returns the named column's value in row, or nil when absent.
func (m *RowMapper) Value(name string, row []any) any {
	i, ok := m.index[name]
	if !ok || i >= len(row) {
		return nil
	}
	return row[i]
}

// Float returns the named column coerced to float64. Engine drivers surface
// numeric aggregates under several Go types depending on the column type.
func (m *RowMapper) Float(name string, row []any) (float64, error) {
	v := m.Value(name, row)
	f, ok := CoerceFloat(v)
	if !ok {
		return 0, fmt.Errorf("column %q is not numeric (%T)", name, v)
	}
	return f, nil
}

// Time returns the named column as a time.Time.
func (m *RowMapper) Time(name string, row []any) (time.Time, error) {
	v := m.Value(name, row)
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	if t, ok := v.(*time.Time); ok && t != nil {
		return *t, nil
	}
	return time.Time{}, fmt.Errorf("column %q is not a timestamp (%T)", name, v)
}

// String returns the named column as a string.
func (m *RowMapper) String(name string, row []any) (string, error) {
	v := m.Value(name, row)
	switch s := v.(type) {
	case string:
		return s, nil
	case *string:
		if s != nil {
			return *s, nil
		}
		return "", nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("column %q is not a string (%T)", name, v)
}

// CoerceFloat converts the numeric Go types the engine driver produces into
// float64.
func CoerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case uint8:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
