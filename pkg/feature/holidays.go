package feature

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Lunar holidays are published by KASI; the table covers the years the
// ridership API can return. Dates outside it only get solar holidays.
var (
	seollal = map[int]string{
		2015: "02-19", 2016: "02-08", 2017: "01-28", 2018: "02-16", 2019: "02-05",
		2020: "01-25", 2021: "02-12", 2022: "02-01", 2023: "01-22", 2024: "02-10",
		2025: "01-29", 2026: "02-17", 2027: "02-07", 2028: "01-27", 2029: "02-13",
		2030: "02-03",
	}
	chuseok = map[int]string{
		2015: "09-27", 2016: "09-15", 2017: "10-04", 2018: "09-24", 2019: "09-13",
		2020: "10-01", 2021: "09-21", 2022: "09-10", 2023: "09-29", 2024: "09-17",
		2025: "10-06", 2026: "09-25", 2027: "09-15", 2028: "10-03", 2029: "09-22",
		2030: "09-12",
	}
	buddhasBirthday = map[int]string{
		2015: "05-25", 2016: "05-14", 2017: "05-03", 2018: "05-22", 2019: "05-12",
		2020: "04-30", 2021: "05-19", 2022: "05-08", 2023: "05-27", 2024: "05-15",
		2025: "05-05", 2026: "05-24", 2027: "05-13", 2028: "05-02", 2029: "05-20",
		2030: "05-09",
	}

	// Election days and one-off public holidays declared by the government.
	special = map[int][]specialDay{
		2015: {{"08-14", "Liberation Day (temporary)"}},
		2016: {{"04-13", "National Assembly Election Day"}, {"05-06", "Temporary Public Holiday"}},
		2017: {{"05-09", "Presidential Election Day"}, {"10-02", "Temporary Public Holiday"}},
		2018: {{"06-13", "Local Election Day"}},
		2020: {{"04-15", "National Assembly Election Day"}, {"08-17", "Temporary Public Holiday"}},
		2022: {{"03-09", "Presidential Election Day"}, {"06-01", "Local Election Day"}},
		2023: {{"10-02", "Temporary Public Holiday"}},
		2024: {{"04-10", "National Assembly Election Day"}, {"10-01", "Armed Forces Day"}},
		2025: {{"01-27", "Temporary Public Holiday"}, {"06-03", "Presidential Election Day"}},
		2026: {{"06-03", "Local Election Day"}},
	}
)

type specialDay struct {
	md   string
	name string
}

// HasLunarTable reports whether the lunar holidays of year are known.
// Outside the table only solar and special holidays are returned.
func HasLunarTable(year int) bool {
	_, ok := seollal[year]
	return ok
}

var (
	holidayMu    sync.Mutex
	holidayCache = map[int]map[time.Time]string{}
)

// IsHoliday reports whether d is a South Korean public holiday, including substitute days.
func IsHoliday(d time.Time) bool {
	_, ok := HolidayName(d)
	return ok
}

// HolidayName returns the holiday name for d, if any.
func HolidayName(d time.Time) (string, bool) {
	day := dateOnly(d)
	name, ok := holidaysFor(day.Year())[day]
	return name, ok
}

func holidaysFor(year int) map[time.Time]string {
	holidayMu.Lock()
	defer holidayMu.Unlock()
	if h, ok := holidayCache[year]; ok {
		return h
	}
	if !HasLunarTable(year) {
		slog.Default().With("component", "feature").Warn("no lunar holiday table for year, is_holiday covers solar holidays only", "year", year)
	}
	h := buildHolidays(year)
	holidayCache[year] = h
	return h
}

// holidayGroup is a set of consecutive days sharing one substitute-day rule.
type holidayGroup struct {
	name      string
	days      []time.Time
	saturday  bool // a Saturday also triggers a substitute day
	substFrom int  // first year the substitute rule applies
}

func buildHolidays(year int) map[time.Time]string {
	on := func(month time.Month, day int) time.Time {
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}

	groups := []holidayGroup{
		{name: "New Year's Day", days: []time.Time{on(time.January, 1)}},
		{name: "Independence Movement Day", days: []time.Time{on(time.March, 1)}, saturday: true, substFrom: 2021},
		{name: "Children's Day", days: []time.Time{on(time.May, 5)}, saturday: true, substFrom: 2014},
		{name: "Memorial Day", days: []time.Time{on(time.June, 6)}},
		{name: "Liberation Day", days: []time.Time{on(time.August, 15)}, saturday: true, substFrom: 2021},
		{name: "National Foundation Day", days: []time.Time{on(time.October, 3)}, saturday: true, substFrom: 2021},
		{name: "Hangeul Day", days: []time.Time{on(time.October, 9)}, saturday: true, substFrom: 2021},
		{name: "Christmas Day", days: []time.Time{on(time.December, 25)}, saturday: true, substFrom: 2023},
	}
	if md, ok := seollal[year]; ok {
		groups = append(groups, threeDay("Seollal", tableDate(year, md), 2014))
	}
	if md, ok := chuseok[year]; ok {
		groups = append(groups, threeDay("Chuseok", tableDate(year, md), 2014))
	}
	if md, ok := buddhasBirthday[year]; ok {
		groups = append(groups, holidayGroup{
			name: "Buddha's Birthday", days: []time.Time{tableDate(year, md)}, saturday: true, substFrom: 2023,
		})
	}

	holidays := make(map[time.Time]string)
	owners := make(map[time.Time]int)
	for _, g := range groups {
		for _, d := range g.days {
			if _, taken := holidays[d]; !taken {
				holidays[d] = g.name
			}
			owners[d]++
		}
	}
	// Special days never earn a substitute but block one from landing on them.
	for _, sd := range special[year] {
		d := tableDate(year, sd.md)
		if _, taken := holidays[d]; !taken {
			holidays[d] = sd.name
		}
	}

	// Two holidays on one day earn a single substitute.
	compensated := make(map[time.Time]bool)
	for _, g := range groups {
		if g.substFrom == 0 || year < g.substFrom {
			continue
		}
		if !needsSubstitute(g, owners, compensated) {
			continue
		}
		d := g.days[len(g.days)-1].AddDate(0, 0, 1)
		for isWeekend(d) || holidays[d] != "" {
			d = d.AddDate(0, 0, 1)
		}
		holidays[d] = "Alternative holiday for " + g.name
	}
	return holidays
}

func needsSubstitute(g holidayGroup, owners map[time.Time]int, compensated map[time.Time]bool) bool {
	for _, d := range g.days {
		switch {
		case d.Weekday() == time.Sunday:
			return true
		case g.saturday && d.Weekday() == time.Saturday:
			return true
		case owners[d] > 1 && !compensated[d]:
			compensated[d] = true
			return true
		}
	}
	return false
}

func threeDay(name string, day time.Time, substFrom int) holidayGroup {
	return holidayGroup{
		name:      name,
		days:      []time.Time{day.AddDate(0, 0, -1), day, day.AddDate(0, 0, 1)},
		substFrom: substFrom,
	}
}

func tableDate(year int, md string) time.Time {
	t, err := time.Parse("2006-01-02", fmt.Sprintf("%04d-%s", year, md))
	if err != nil {
		panic("feature: bad holiday table entry " + md)
	}
	return t
}

func isWeekend(d time.Time) bool {
	return d.Weekday() == time.Saturday || d.Weekday() == time.Sunday
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
