package report

import (
	"fmt"
	"time"

	"faultline/internal/store"
)

// NextRun returns the first run time strictly after the given instant.
// All cadence math is UTC; daylight saving never shifts a schedule.
func NextRun(s *store.ReportSchedule, after time.Time) (time.Time, error) {
	hour, minute, err := parseAtUTC(s.AtUTC)
	if err != nil {
		return time.Time{}, err
	}
	after = after.UTC()

	switch s.Cadence {
	case "daily":
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, nil

	case "weekly":
		days := (int(s.Weekday) - int(after.Weekday()) + 7) % 7
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC).
			AddDate(0, 0, days)
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate, nil

	case "monthly":
		day := s.DayOfMonth
		if day < 1 {
			day = 1
		}
		candidate := monthlyAt(after.Year(), after.Month(), day, hour, minute)
		if !candidate.After(after) {
			candidate = monthlyAt(after.Year(), after.Month()+1, day, hour, minute)
		}
		return candidate, nil

	default:
		return time.Time{}, fmt.Errorf("unknown cadence %q", s.Cadence)
	}
}

// monthlyAt clamps the requested day into the target month, so a
// day-31 schedule runs on Feb 28 (29 in leap years) instead of skipping.
func monthlyAt(year int, month time.Month, day, hour, minute int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func parseAtUTC(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("atUTC %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
