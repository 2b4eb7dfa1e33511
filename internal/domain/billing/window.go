package billing

import (
	"fmt"
	"time"
)

// Window is a half-open billing period [Start, End) in UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
}

// WindowAt returns the billing window containing now for a reset day in
// 1..28. The window starts at 00:00 UTC on the most recent reset day not
// after now, rolling back a month when now is before this month's reset day.
func WindowAt(resetDay int, now time.Time) Window {
	if resetDay < 1 {
		resetDay = 1
	}
	if resetDay > 28 {
		resetDay = 28
	}

	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), resetDay, 0, 0, 0, 0, time.UTC)
	if now.Day() < resetDay {
		start = start.AddDate(0, -1, 0)
	}
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}
