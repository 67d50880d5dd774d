package timerange

import (
	"testing"
	"time"

	"github.com/jazware/trends/pkg/schema"
)

var testNow = time.Date(2020, 1, 20, 12, 30, 0, 0, time.UTC)

func mustRange(t *testing.T, dr schema.DateRange, interval schema.IntervalType) *QueryRange {
	t.Helper()
	qr, err := New(dr, interval, testNow, time.UTC, 0)
	if err != nil {
		t.Fatalf("New(%+v): %v", dr, err)
	}
	return qr
}

func TestAbsoluteDayRange(t *testing.T) {
	qr := mustRange(t, schema.DateRange{From: "2020-01-09", To: "2020-01-19"}, schema.IntervalDay)

	buckets := qr.BucketStarts()
	if len(buckets) != 11 {
		t.Fatalf("expected 11 buckets, got %d", len(buckets))
	}
	if got := qr.FormatBucket(buckets[0]); got != "2020-01-09" {
		t.Errorf("first bucket = %q, want 2020-01-09", got)
	}
	if got := qr.FormatBucket(buckets[10]); got != "2020-01-19" {
		t.Errorf("last bucket = %q, want 2020-01-19", got)
	}
	// date_to without a time component covers its whole day.
	if qr.To().Hour() != 23 {
		t.Errorf("date_to not widened to end of day: %v", qr.To())
	}
}

func TestRelativeDates(t *testing.T) {
	tests := []struct {
		name string
		from string
		want time.Time
	}{
		{"seven days back", "-7d", time.Date(2020, 1, 13, 0, 0, 0, 0, time.UTC)},
		{"one week back", "-1w", time.Date(2020, 1, 13, 0, 0, 0, 0, time.UTC)},
		{"day start", "dStart", time.Date(2020, 1, 20, 0, 0, 0, 0, time.UTC)},
		{"month start", "mStart", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"previous month start", "-1mStart", time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC)},
		{"year start", "yStart", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			qr := mustRange(t, schema.DateRange{From: tc.from}, schema.IntervalDay)
			if !qr.From().Equal(tc.want) {
				t.Errorf("From() = %v, want %v", qr.From(), tc.want)
			}
		})
	}
}

func TestInvalidInputs(t *testing.T) {
	if _, err := New(schema.DateRange{From: "not-a-date"}, schema.IntervalDay, testNow, time.UTC, 0); err == nil {
		t.Error("expected ParseError for garbage date_from")
	}
	if _, err := New(schema.DateRange{}, "fortnight", testNow, time.UTC, 0); err == nil {
		t.Error("expected ParseError for unsupported interval")
	}
	if _, err := New(schema.DateRange{From: "2020-01-19", To: "2020-01-09"}, schema.IntervalDay, testNow, time.UTC, 0); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestWeekTruncationHonorsWeekStart(t *testing.T) {
	// 2020-01-15 was a Wednesday.
	dr := schema.DateRange{From: "2020-01-15", To: "2020-01-15"}

	sunday := mustRange(t, dr, schema.IntervalWeek)
	if got := sunday.From().Weekday(); got != time.Sunday {
		t.Errorf("week start 0: truncated to %v, want Sunday", got)
	}

	monday, err := New(dr, schema.IntervalWeek, testNow, time.UTC, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := monday.From().Weekday(); got != time.Monday {
		t.Errorf("week start 1: truncated to %v, want Monday", got)
	}
}

func TestExplicitDatePreservesEdges(t *testing.T) {
	qr, err := New(schema.DateRange{
		From:         "2020-01-09 08:15:00",
		To:           "2020-01-09 17:45:00",
		ExplicitDate: true,
	}, schema.IntervalHour, testNow, time.UTC, 0)
	if err != nil {
		t.Fatal(err)
	}
	if qr.From().Hour() != 8 || qr.From().Minute() != 15 {
		t.Errorf("explicit date_from was aligned: %v", qr.From())
	}
	// Buckets themselves stay interval-aligned.
	if got := qr.BucketStarts()[0].Minute(); got != 0 {
		t.Errorf("first bucket not hour-aligned: minute %d", got)
	}
}

func TestPreviousPeriodMirrors(t *testing.T) {
	qr := mustRange(t, schema.DateRange{From: "2020-01-09", To: "2020-01-19"}, schema.IntervalDay)
	prev, err := qr.PreviousPeriod("")
	if err != nil {
		t.Fatal(err)
	}
	if !prev.To().Equal(qr.From()) {
		t.Errorf("previous period should end where current begins: %v vs %v", prev.To(), qr.From())
	}
	if got, want := prev.To().Sub(prev.From()), qr.To().Sub(qr.From()); got != want {
		t.Errorf("previous period span %v, want %v", got, want)
	}
}

func TestPreviousPeriodCompareTo(t *testing.T) {
	qr := mustRange(t, schema.DateRange{From: "2020-01-09", To: "2020-01-19"}, schema.IntervalDay)
	prev, err := qr.PreviousPeriod("-1w")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC); !prev.From().Equal(want) {
		t.Errorf("compare_to -1w: From() = %v, want %v", prev.From(), want)
	}
	if got, want := prev.To().Sub(prev.From()), qr.To().Sub(qr.From()); got != want {
		t.Errorf("compare_to span changed: %v vs %v", got, want)
	}

	if _, err := qr.PreviousPeriod("-1mStart"); err == nil {
		t.Error("expected error for compare_to with a Start/End position")
	}
}

func TestActiveUserLookback(t *testing.T) {
	if got := ActiveUserLookback(schema.MathWeeklyActive); got != 6 {
		t.Errorf("weekly lookback = %d, want 6", got)
	}
	if got := ActiveUserLookback(schema.MathMonthlyActive); got != 29 {
		t.Errorf("monthly lookback = %d, want 29", got)
	}
	if got := ActiveUserLookback(schema.MathTotal); got != 0 {
		t.Errorf("total lookback = %d, want 0", got)
	}

	qr := mustRange(t, schema.DateRange{From: "2020-01-09", To: "2020-01-19"}, schema.IntervalDay)
	ext := qr.WithLookback(6)
	if want := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC); !ext.From().Equal(want) {
		t.Errorf("lookback From() = %v, want %v", ext.From(), want)
	}
	if !ext.To().Equal(qr.To()) {
		t.Errorf("lookback must not move date_to")
	}
	// Original is untouched.
	if want := time.Date(2020, 1, 9, 0, 0, 0, 0, time.UTC); !qr.From().Equal(want) {
		t.Errorf("WithLookback mutated the receiver")
	}
}

func TestHourBucketFormatting(t *testing.T) {
	qr, err := New(schema.DateRange{From: "2020-01-09", To: "2020-01-09"}, schema.IntervalHour, testNow, time.UTC, 0)
	if err != nil {
		t.Fatal(err)
	}
	buckets := qr.BucketStarts()
	if len(buckets) != 24 {
		t.Fatalf("expected 24 hourly buckets, got %d", len(buckets))
	}
	if got := qr.FormatBucket(buckets[0]); got != "2020-01-09 00:00:00" {
		t.Errorf("hourly bucket format = %q", got)
	}
}
