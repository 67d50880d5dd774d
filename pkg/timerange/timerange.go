// Package timerange resolves a logical date range (absolute or relative
// date_from/date_to plus an interval) into concrete timestamp boundaries and
// bucket start times, including the mirrored or offset previous period used
// for comparison overlays.
package timerange

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/jazware/trends/pkg/schema"
)

// ParseError is a fatal request error: a date or interval string that cannot
// be resolved.
type ParseError struct {
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid date expression %q: %s", e.Input, e.Msg)
}

// DefaultDateFrom is used when the query leaves date_from empty.
const DefaultDateFrom = "-7d"

// relativeDateRe matches expressions like "-7d", "-1mStart", "dStart", "mEnd".
var relativeDateRe = regexp.MustCompile(`^-?([0-9]+)?([hdwmqy])(Start|End)?$`)

// IsRelative reports whether a date expression is relative to the wall clock
// rather than an absolute date.
func IsRelative(s string) bool {
	return relativeDateRe.MatchString(s)
}

// QueryRange is a resolved date range: exact edge timestamps plus the
// interval bucketing derived from them.
type QueryRange struct {
	from     time.Time
	to       time.Time
	interval schema.IntervalType
	explicit bool

	loc       *time.Location
	weekStart int // 0 = Sunday, 1 = Monday
}

// New resolves the date range of a query against the given wall clock and
// team settings. Bucket boundaries are aligned to the start of each interval
// unit; when dr.ExplicitDate is set the exact timestamps are preserved at the
// range edges only.
func New(dr schema.DateRange, interval schema.IntervalType, now time.Time, loc *time.Location, weekStart int) (*QueryRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !interval.Valid() {
		return nil, &ParseError{Input: string(interval), Msg: "unsupported interval"}
	}
	now = now.In(loc)

	fromStr := dr.From
	if fromStr == "" {
		fromStr = DefaultDateFrom
	}
	from, err := parseDate(fromStr, now, loc, false)
	if err != nil {
		return nil, err
	}

	to := now
	if dr.To != "" {
		to, err = parseDate(dr.To, now, loc, true)
		if err != nil {
			return nil, err
		}
	}
	if to.Before(from) {
		return nil, &ParseError{Input: dr.To, Msg: "date_to precedes date_from"}
	}

	qr := &QueryRange{
		from:      from,
		to:        to,
		interval:  interval,
		explicit:  dr.ExplicitDate,
		loc:       loc,
		weekStart: weekStart,
	}
	if !dr.ExplicitDate {
		qr.from = qr.Trunc(from)
	}
	return qr, nil
}

// parseDate resolves one date expression. isEnd widens date-only absolute
// values to the end of their day so that "2020-01-19" includes the whole day.
func parseDate(s string, now time.Time, loc *time.Location, isEnd bool) (time.Time, error) {
	if m := relativeDateRe.FindStringSubmatch(s); m != nil {
		return resolveRelative(m, now, loc)
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, &ParseError{Input: s, Msg: err.Error()}
	}
	if isEnd && len(s) == len("2006-01-02") {
		t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return t, nil
}

func resolveRelative(m []string, now time.Time, loc *time.Location) (time.Time, error) {
	n := 0
	if m[1] != "" {
		var err error
		n, err = strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, &ParseError{Input: m[0], Msg: "bad count"}
		}
	}

	t := now
	switch m[2] {
	case "h":
		t = t.Add(-time.Duration(n) * time.Hour)
	case "d":
		t = t.AddDate(0, 0, -n)
	case "w":
		t = t.AddDate(0, 0, -7*n)
	case "m":
		t = t.AddDate(0, -n, 0)
	case "q":
		t = t.AddDate(0, -3*n, 0)
	case "y":
		t = t.AddDate(-n, 0, 0)
	}

	switch m[3] {
	case "Start":
		t = truncUnit(t, m[2], loc)
	case "End":
		t = endUnit(t, m[2], loc)
	}
	return t, nil
}

func truncUnit(t time.Time, unit string, loc *time.Location) time.Time {
	t = t.In(loc)
	switch unit {
	case "h":
		return t.Truncate(time.Hour)
	case "d", "w":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case "m":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case "q":
		q := (int(t.Month()) - 1) / 3
		return time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, loc)
	case "y":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, loc)
	}
	return t
}

func endUnit(t time.Time, unit string, loc *time.Location) time.Time {
	switch unit {
	case "h":
		return truncUnit(t, unit, loc).Add(time.Hour - time.Microsecond)
	case "d", "w":
		return truncUnit(t, "d", loc).AddDate(0, 0, 1).Add(-time.Microsecond)
	case "m":
		return truncUnit(t, "m", loc).AddDate(0, 1, 0).Add(-time.Microsecond)
	case "q":
		return truncUnit(t, "q", loc).AddDate(0, 3, 0).Add(-time.Microsecond)
	case "y":
		return truncUnit(t, "y", loc).AddDate(1, 0, 0).Add(-time.Microsecond)
	}
	return t
}

// From returns the lower edge of the range.
func (qr *QueryRange) From() time.Time { return qr.from }

// To returns the upper edge of the range.
func (qr *QueryRange) To() time.Time { return qr.to }

// Interval returns the bucket unit.
func (qr *QueryRange) Interval() schema.IntervalType { return qr.interval }

// Explicit reports whether the exact edge timestamps must be preserved.
func (qr *QueryRange) Explicit() bool { return qr.explicit }

// Location returns the team timezone the range is resolved in.
func (qr *QueryRange) Location() *time.Location { return qr.loc }

// Trunc aligns t to the start of the range's interval unit.
func (qr *QueryRange) Trunc(t time.Time) time.Time {
	t = t.In(qr.loc)
	switch qr.interval {
	case schema.IntervalMinute:
		return t.Truncate(time.Minute)
	case schema.IntervalHour:
		return t.Truncate(time.Hour)
	case schema.IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, qr.loc)
	case schema.IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, qr.loc)
		offset := (int(day.Weekday()) - qr.weekStart + 7) % 7
		return day.AddDate(0, 0, -offset)
	case schema.IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, qr.loc)
	}
	return t
}

// Step advances t by one interval unit.
func (qr *QueryRange) Step(t time.Time) time.Time {
	switch qr.interval {
	case schema.IntervalMinute:
		return t.Add(time.Minute)
	case schema.IntervalHour:
		return t.Add(time.Hour)
	case schema.IntervalDay:
		return t.AddDate(0, 0, 1)
	case schema.IntervalWeek:
		return t.AddDate(0, 0, 7)
	case schema.IntervalMonth:
		return t.AddDate(0, 1, 0)
	}
	return t
}

// BucketStarts returns the ordered start times of every interval bucket the
// range covers, including buckets that will have no rows.
func (qr *QueryRange) BucketStarts() []time.Time {
	var out []time.Time
	for t := qr.Trunc(qr.from); !t.After(qr.to); t = qr.Step(t) {
		out = append(out, t)
	}
	return out
}

// BucketCount returns the number of interval buckets in the range.
func (qr *QueryRange) BucketCount() int {
	return len(qr.BucketStarts())
}

// PreviousPeriod returns the comparison range: either shifted back by the
// compareTo relative offset, or the mirrored-length range immediately
// preceding this one.
func (qr *QueryRange) PreviousPeriod(compareTo string) (*QueryRange, error) {
	prev := *qr
	if compareTo != "" {
		m := relativeDateRe.FindStringSubmatch(compareTo)
		if m == nil || m[3] != "" {
			return nil, &ParseError{Input: compareTo, Msg: "compare_to must be a plain relative offset"}
		}
		shifted, err := resolveRelative(m, qr.from, qr.loc)
		if err != nil {
			return nil, err
		}
		delta := qr.from.Sub(shifted)
		prev.from = qr.from.Add(-delta)
		prev.to = qr.to.Add(-delta)
		return &prev, nil
	}
	span := qr.to.Sub(qr.from)
	prev.from = qr.from.Add(-span)
	prev.to = qr.from
	return &prev, nil
}

// PreviousPeriodDelta returns how far the previous period sits behind the
// current one; used to shift drill-down cells for "previous" series.
func (qr *QueryRange) PreviousPeriodDelta(compareTo string) (time.Duration, error) {
	prev, err := qr.PreviousPeriod(compareTo)
	if err != nil {
		return 0, err
	}
	return qr.from.Sub(prev.from), nil
}

// ActiveUserLookback returns the extra days of history an active-user math
// series needs below the first bucket: 6 for weekly, 29 for monthly windows.
func ActiveUserLookback(math schema.MathType) int {
	switch math {
	case schema.MathWeeklyActive:
		return 6
	case schema.MathMonthlyActive:
		return 29
	}
	return 0
}

// WithLookback returns a copy of the range whose lower edge is extended
// backwards by the given number of days.
func (qr *QueryRange) WithLookback(days int) *QueryRange {
	if days == 0 {
		return qr
	}
	ext := *qr
	ext.from = qr.from.AddDate(0, 0, -days)
	return &ext
}

// FormatBucket renders a bucket start for the "days" result array:
// YYYY-MM-DD for day and coarser intervals, with a time suffix for hour and
// minute intervals.
func (qr *QueryRange) FormatBucket(t time.Time) string {
	switch qr.interval {
	case schema.IntervalMinute, schema.IntervalHour:
		return t.Format("2006-01-02 15:04:05")
	default:
		return t.Format("2006-01-02")
	}
}

// FormatLabel renders a bucket start for the "labels" result array.
func (qr *QueryRange) FormatLabel(t time.Time) string {
	switch qr.interval {
	case schema.IntervalMinute, schema.IntervalHour:
		return t.Format("2-Jan-2006 15:04")
	default:
		return t.Format("2-Jan-2006")
	}
}
