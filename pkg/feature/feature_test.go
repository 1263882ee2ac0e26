package feature

import (
	"math"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// series builds n consecutive days starting 2020-01-01 with total traffic = index.
func series(n int) []MergedRow {
	start := day("2020-01-01")
	rows := make([]MergedRow, n)
	for i := range rows {
		rows[i] = MergedRow{Date: start.AddDate(0, 0, i), BoardingCount: int64(i)}
	}
	return rows
}

func TestCalendarFor(t *testing.T) {
	tests := []struct {
		date    string
		dow     int
		weekend bool
		holiday bool
	}{
		{"2024-01-08", 0, false, false},
		{"2024-01-06", 5, true, false},
		{"2024-01-07", 6, true, false},
		{"2024-01-01", 0, false, true},
		{"2024-03-01", 4, false, true},
		{"2024-02-12", 0, false, true}, // Seollal fell on a Sunday
		{"2024-09-17", 1, false, true},
		{"2023-05-29", 0, false, true}, // Buddha's Birthday fell on a Saturday
		{"2025-05-06", 1, false, true}, // Children's Day and Buddha's Birthday overlap
		{"2025-05-07", 2, false, false},
		{"2025-10-08", 2, false, true},
		{"2024-06-06", 3, false, true},
		{"2024-12-24", 1, false, false},
		{"2020-04-15", 2, false, true}, // National Assembly election
		{"2022-03-09", 2, false, true}, // presidential election
		{"2024-04-10", 2, false, true},
		{"2025-06-03", 1, false, true},
		{"2024-10-01", 1, false, true}, // Armed Forces Day, 2024 only
		{"2023-10-02", 0, false, true},
		{"2020-08-17", 0, false, true},
		{"2025-01-27", 0, false, true},
		{"2017-10-06", 4, false, true}, // Chuseok overlapped National Foundation Day
		{"2023-10-01", 6, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			c := CalendarFor(day(tt.date))
			if c.DayOfWeek != tt.dow {
				t.Errorf("DayOfWeek = %d, want %d", c.DayOfWeek, tt.dow)
			}
			if c.IsWeekend != tt.weekend {
				t.Errorf("IsWeekend = %v, want %v", c.IsWeekend, tt.weekend)
			}
			if c.IsHoliday != tt.holiday {
				t.Errorf("IsHoliday = %v, want %v", c.IsHoliday, tt.holiday)
			}
		})
	}
}

func TestHasLunarTable(t *testing.T) {
	if !HasLunarTable(2024) {
		t.Error("HasLunarTable(2024) = false")
	}
	if HasLunarTable(2040) {
		t.Error("HasLunarTable(2040) = true")
	}
	// Solar holidays still resolve outside the lunar table.
	if !IsHoliday(day("2040-03-01")) {
		t.Error("IsHoliday(2040-03-01) = false")
	}
}

func TestCalendarRange(t *testing.T) {
	days := CalendarRange(day("2024-02-28"), 3)
	if len(days) != 3 {
		t.Fatalf("len = %d, want 3", len(days))
	}
	if got := days[2].Date.Format("2006-01-02"); got != "2024-03-01" {
		t.Errorf("last date = %s, want 2024-03-01", got)
	}
	if days[1].Month != 2 || days[1].Day != 29 {
		t.Errorf("leap day = %d-%d, want 2-29", days[1].Month, days[1].Day)
	}
}

func TestRollingExcludesCurrentRow(t *testing.T) {
	values := []float64{5, 1, 9, 2, 8, 3, 7, 4, 6, 10}
	rolling := RollingMean(Shift(values, 1), RollingN)

	for i := range values {
		if i < RollingN {
			if !math.IsNaN(rolling[i]) {
				t.Errorf("rolling[%d] = %v, want NaN", i, rolling[i])
			}
			continue
		}
		var sum float64
		for _, v := range values[i-7 : i] {
			sum += v
		}
		if want := sum / 7; math.Abs(rolling[i]-want) > 1e-9 {
			t.Errorf("rolling[%d] = %v, want %v", i, rolling[i], want)
		}
	}
}

func TestLagsAreRowOffsets(t *testing.T) {
	res := Generate(series(400), Options{})
	if len(res.Rows) != 400-LagYear {
		t.Fatalf("rows = %d, want %d", len(res.Rows), 400-LagYear)
	}
	for _, r := range res.Rows {
		i := float64(r.TotalTraffic)
		if *r.Lag1d != i-1 || *r.Lag7d != i-7 || *r.Lag364d != i-364 {
			t.Fatalf("row %v: lags = %v/%v/%v", i, *r.Lag1d, *r.Lag7d, *r.Lag364d)
		}
		if want := i - 4; *r.Rolling7dAvg != want {
			t.Fatalf("row %v: rolling = %v, want %v", i, *r.Rolling7dAvg, want)
		}
	}
}

func TestLagsIgnoreCalendarGaps(t *testing.T) {
	rows := series(20)
	// Remove a week so lag_7d reaches back further than seven calendar days.
	rows = append(rows[:5], rows[12:]...)
	res := Generate(rows, Options{AllowMissingYearlyLag: true})

	first := res.Rows[0]
	if got := first.Date.Format("2006-01-02"); got != "2020-01-15" {
		t.Fatalf("first row = %s, want 2020-01-15", got)
	}
	if *first.Lag7d != 0 {
		t.Errorf("lag_7d = %v, want 0", *first.Lag7d)
	}
}

func TestDropNullBoundary(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{364, 0},
		{365, 1},
		{3, 0},
		{0, 0},
	}
	for _, tt := range tests {
		res := Generate(series(tt.n), Options{})
		if len(res.Rows) != tt.want {
			t.Errorf("Generate(%d rows) kept %d, want %d", tt.n, len(res.Rows), tt.want)
		}
		if res.Dropped != tt.n-tt.want {
			t.Errorf("Generate(%d rows) dropped %d, want %d", tt.n, res.Dropped, tt.n-tt.want)
		}
	}
}

func TestGenerateSortsInput(t *testing.T) {
	rows := series(10)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	res := Generate(rows, Options{AllowMissingYearlyLag: true})
	if len(res.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(res.Rows))
	}
	for _, r := range res.Rows {
		if *r.Lag1d != float64(r.TotalTraffic-1) {
			t.Errorf("%s: lag_1d = %v, want %d", r.Date.Format("2006-01-02"), *r.Lag1d, r.TotalTraffic-1)
		}
	}
	if rows[0].BoardingCount != 9 {
		t.Error("Generate reordered the caller's slice")
	}
}

func TestGenerateKeepsWeatherNulls(t *testing.T) {
	rows := series(10)
	temp := 3.5
	rows[8].AvgTemp = &temp
	res := Generate(rows, Options{AllowMissingYearlyLag: true})

	if res.Rows[0].AvgTemp != nil {
		t.Errorf("row 7 AvgTemp = %v, want nil", *res.Rows[0].AvgTemp)
	}
	if res.Rows[1].AvgTemp == nil || *res.Rows[1].AvgTemp != 3.5 {
		t.Errorf("row 8 AvgTemp = %v, want 3.5", res.Rows[1].AvgTemp)
	}
	if res.Rows[0].Lag364d != nil {
		t.Errorf("Lag364d = %v, want nil", *res.Rows[0].Lag364d)
	}
}
