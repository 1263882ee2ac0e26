package feature

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Lag offsets in rows of the date-sorted series, not calendar days.
const (
	LagDay   = 1
	LagWeek  = 7
	LagYear  = 364
	RollingN = 7
)

// MergedRow is one date of ridership left-joined with that day's weather.
type MergedRow struct {
	Date              time.Time
	BoardingCount     int64
	AlightingCount    int64
	AvgTemp           *float64
	PrecipTotal       *float64
	PrecipitationType *int
}

// Row is a generated feature row before version tagging.
type Row struct {
	Date time.Time
	Calendar
	AvgTemp      *float64
	PrecipTotal  *float64
	TotalTraffic int64
	Lag1d        *float64
	Lag7d        *float64
	Lag364d      *float64
	Rolling7dAvg *float64
}

// Options tunes Generate.
type Options struct {
	// AllowMissingYearlyLag keeps rows whose only missing value is lag_364d.
	// Only demo and test runs set it; production output always needs a full year.
	AllowMissingYearlyLag bool
}

// Result is the output of Generate.
type Result struct {
	Rows    []Row
	Input   int
	Dropped int
}

// Generate derives calendar, traffic, lag and rolling features from merged
// rows. Input order does not matter: rows are sorted by date first.
func Generate(merged []MergedRow, opts Options) Result {
	rows := make([]MergedRow, len(merged))
	copy(rows, merged)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	traffic := make([]float64, len(rows))
	for i, r := range rows {
		traffic[i] = float64(r.BoardingCount + r.AlightingCount)
	}

	lag1 := Shift(traffic, LagDay)
	lag7 := Shift(traffic, LagWeek)
	lag364 := Shift(traffic, LagYear)
	rolling := RollingMean(Shift(traffic, 1), RollingN)

	res := Result{Input: len(rows)}
	for i, r := range rows {
		if math.IsNaN(lag1[i]) || math.IsNaN(lag7[i]) || math.IsNaN(rolling[i]) {
			continue
		}
		if math.IsNaN(lag364[i]) && !opts.AllowMissingYearlyLag {
			continue
		}
		res.Rows = append(res.Rows, Row{
			Date:         dateOnly(r.Date),
			Calendar:     CalendarFor(r.Date),
			AvgTemp:      r.AvgTemp,
			PrecipTotal:  r.PrecipTotal,
			TotalTraffic: r.BoardingCount + r.AlightingCount,
			Lag1d:        nullable(lag1[i]),
			Lag7d:        nullable(lag7[i]),
			Lag364d:      nullable(lag364[i]),
			Rolling7dAvg: nullable(rolling[i]),
		})
	}
	res.Dropped = res.Input - len(res.Rows)
	return res
}

// Shift returns xs moved k positions later; the first k values are NaN.
func Shift(xs []float64, k int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		if i < k {
			out[i] = math.NaN()
			continue
		}
		out[i] = xs[i-k]
	}
	return out
}

// RollingMean returns the mean of each trailing window of n values ending at
// i. Windows that are short or contain NaN yield NaN.
func RollingMean(xs []float64, n int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = math.NaN()
		if i+1 < n {
			continue
		}
		window := xs[i+1-n : i+1]
		if hasNaN(window) {
			continue
		}
		out[i] = stat.Mean(window, nil)
	}
	return out
}

func hasNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
