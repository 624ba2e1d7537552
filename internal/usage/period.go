package usage

import "time"

const periodLayout = "2006-01"

// CurrentPeriod returns the UTC calendar month of now as YYYY-MM.
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format(periodLayout)
}
