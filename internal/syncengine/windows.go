package syncengine

import "time"

// Window is one date span passed upstream as start_date/end_date. The
// API rejects spans over 90 days, so backfills are split into
// contiguous windows.
type Window struct {
	Start time.Time
	End   time.Time
}

// BuildSalesWindows splits [start, end] into contiguous windows of at
// most maxDays each. The next window starts the day after the previous
// one ends, so no day is fetched twice and none is skipped.
func BuildSalesWindows(start, end time.Time, maxDays int) []Window {
	if maxDays <= 0 {
		maxDays = 90
	}
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return nil
	}

	var windows []Window
	for cursor := start; !cursor.After(end); {
		windowEnd := cursor.AddDate(0, 0, maxDays-1)
		if windowEnd.After(end) {
			windowEnd = end
		}
		windows = append(windows, Window{Start: cursor, End: windowEnd})
		cursor = windowEnd.AddDate(0, 0, 1)
	}
	return windows
}

// DefaultWindows covers the trailing 90 days plus a window for today, so
// an incremental run re-checks the current day even when the long
// window was already synced.
func DefaultWindows(now time.Time) []Window {
	today := truncateDay(now)
	return []Window{
		{Start: today.AddDate(0, 0, -90), End: today},
		{Start: today, End: today.AddDate(0, 0, 1)},
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
