package expiry

import "time"

// DayLayout is the on-disk representation of a calendar date (ledger values, CLI flags).
const DayLayout = "2006-01-02"

// DateOf strips the time of day from t as observed in loc.
//
// The result is midnight UTC of that calendar date so dates compare with ==
// and subtract to exact multiples of 24h regardless of DST.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays shifts a calendar date produced by DateOf.
func AddDays(day time.Time, n int) time.Time {
	return day.AddDate(0, 0, n)
}

// DaysBetween returns to - from in whole days. Both must come from DateOf.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// FormatDay renders a calendar date as YYYY-MM-DD.
func FormatDay(day time.Time) string { return day.Format(DayLayout) }

// ParseDay parses YYYY-MM-DD into a calendar date comparable with DateOf results.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.UTC)
}
