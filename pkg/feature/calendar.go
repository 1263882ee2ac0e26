package feature

import "time"

// Calendar holds the date-derived columns of a feature row.
type Calendar struct {
	Year      int  `json:"year"`
	Month     int  `json:"month"`
	Day       int  `json:"day"`
	DayOfWeek int  `json:"day_of_week"` // Monday=0 .. Sunday=6
	IsWeekend bool `json:"is_weekend"`
	IsHoliday bool `json:"is_holiday"`
}

// CalendarFor derives calendar features for the calendar day of d.
func CalendarFor(d time.Time) Calendar {
	dow := (int(d.Weekday()) + 6) % 7
	return Calendar{
		Year:      d.Year(),
		Month:     int(d.Month()),
		Day:       d.Day(),
		DayOfWeek: dow,
		IsWeekend: dow >= 5,
		IsHoliday: IsHoliday(d),
	}
}

// CalendarDay pairs a date with its derived features.
type CalendarDay struct {
	Date time.Time
	Calendar
}

// CalendarRange enriches n consecutive days starting at start.
func CalendarRange(start time.Time, n int) []CalendarDay {
	start = dateOnly(start)
	days := make([]CalendarDay, 0, max(n, 0))
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i)
		days = append(days, CalendarDay{Date: d, Calendar: CalendarFor(d)})
	}
	return days
}
