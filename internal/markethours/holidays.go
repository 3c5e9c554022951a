package markethours

import "time"

// NYSE full-day closures.
// Source: NYSE published holiday calendar.
var nyseHolidays = []struct {
	year  int
	month time.Month
	day   int
}{
	{2025, time.January, 1},   // New Year's Day
	{2025, time.January, 9},   // National Day of Mourning
	{2025, time.January, 20},  // Martin Luther King Jr. Day
	{2025, time.February, 17}, // Washington's Birthday
	{2025, time.April, 18},    // Good Friday
	{2025, time.May, 26},      // Memorial Day
	{2025, time.June, 19},     // Juneteenth
	{2025, time.July, 4},      // Independence Day
	{2025, time.September, 1}, // Labor Day
	{2025, time.November, 27}, // Thanksgiving Day
	{2025, time.December, 25}, // Christmas Day

	{2026, time.January, 1},   // New Year's Day
	{2026, time.January, 19},  // Martin Luther King Jr. Day
	{2026, time.February, 16}, // Washington's Birthday
	{2026, time.April, 3},     // Good Friday
	{2026, time.May, 25},      // Memorial Day
	{2026, time.June, 19},     // Juneteenth
	{2026, time.July, 3},      // Independence Day (observed)
	{2026, time.September, 7}, // Labor Day
	{2026, time.November, 26}, // Thanksgiving Day
	{2026, time.December, 25}, // Christmas Day

	{2027, time.January, 1},   // New Year's Day
	{2027, time.January, 18},  // Martin Luther King Jr. Day
	{2027, time.February, 15}, // Washington's Birthday
	{2027, time.March, 26},    // Good Friday
	{2027, time.May, 31},      // Memorial Day
	{2027, time.June, 18},     // Juneteenth (observed)
	{2027, time.July, 5},      // Independence Day (observed)
	{2027, time.September, 6}, // Labor Day
	{2027, time.November, 25}, // Thanksgiving Day
	{2027, time.December, 24}, // Christmas Day (observed)
}

// pre-compute for fast lookup
var holidaySet map[string]bool

func init() {
	holidaySet = make(map[string]bool, len(nyseHolidays))
	for _, h := range nyseHolidays {
		holidaySet[dateKey(h.year, h.month, h.day)] = true
	}
}

// IsHoliday returns true if the exchange-local date of t is an NYSE holiday.
func IsHoliday(t time.Time) bool {
	l := Local(t)
	return holidaySet[dateKey(l.Year(), l.Month(), l.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
