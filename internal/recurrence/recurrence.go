package recurrence

import (
	"fmt"
	"time"
)

type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Config describes how occurrences of a schedule are generated. All calendar
// arithmetic happens in the configured timezone; occurrences are returned in
// UTC so queue delays and storage do not drift across DST changes.
type Config struct {
	Frequency    Frequency
	Hour         int
	Minute       int
	Timezone     string
	StartDate    time.Time
	WeekStartsOn int // 0 = Sunday, 1 = Monday
}

func (c Config) Validate() error {
	switch c.Frequency {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return fmt.Errorf("unknown frequency %q", c.Frequency)
	}
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("hour %d out of range", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("minute %d out of range", c.Minute)
	}
	if c.WeekStartsOn != 0 && c.WeekStartsOn != 1 {
		return fmt.Errorf("week_starts_on must be 0 or 1, got %d", c.WeekStartsOn)
	}
	if c.StartDate.IsZero() {
		return fmt.Errorf("start date is required")
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Next returns the earliest occurrence of cfg at or after the given instant
// (strictly after it for one-shot schedules, which are exhausted once
// consumed). The second return is false when no future occurrence exists.
func Next(cfg Config, after time.Time) (time.Time, bool, error) {
	loc, err := cfg.location()
	if err != nil {
		return time.Time{}, false, err
	}

	a := after.In(loc)
	start := cfg.StartDate.In(loc)

	switch cfg.Frequency {
	case FrequencyOnce:
		occ := cfg.at(start, loc)
		if occ.After(a) {
			return occ.UTC(), true, nil
		}
		return time.Time{}, false, nil

	case FrequencyDaily:
		occ := cfg.at(a, loc)
		if occ.Before(a) {
			occ = cfg.at(a.AddDate(0, 0, 1), loc)
		}
		return occ.UTC(), true, nil

	case FrequencyWeekly:
		days := (int(start.Weekday()) - int(a.Weekday()) + 7) % 7
		occ := cfg.at(a.AddDate(0, 0, days), loc)
		if occ.Before(a) {
			occ = cfg.at(a.AddDate(0, 0, days+7), loc)
		}
		return occ.UTC(), true, nil

	case FrequencyMonthly:
		occ := cfg.monthlyAt(a.Year(), a.Month(), start.Day(), loc)
		if occ.Before(a) {
			occ = cfg.monthlyAt(a.Year(), a.Month()+1, start.Day(), loc)
		}
		return occ.UTC(), true, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown frequency %q", cfg.Frequency)
	}
}

// Occurrences materializes up to limit occurrences after the given instant.
// Recurring sequences are conceptually infinite, so callers always bound the
// count; the cursor steps one minute past each occurrence to avoid
// re-yielding it.
func Occurrences(cfg Config, after time.Time, limit int) ([]time.Time, error) {
	occurrences := make([]time.Time, 0, limit)
	cursor := after
	for i := 0; i < limit; i++ {
		occ, ok, err := Next(cfg, cursor)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		occurrences = append(occurrences, occ)
		cursor = occ.Add(time.Minute)
	}
	return occurrences, nil
}

// at pins the configured time-of-day onto d's calendar date.
func (c Config) at(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// monthlyAt places day-of-month `day` in the given month, clamping to the
// month's last day when the month is shorter. Months are advanced as calendar
// months, never as fixed 30-day blocks, so time.Date's own normalization of
// month overflow is relied on for the year rollover.
func (c Config) monthlyAt(year int, month time.Month, day int, loc *time.Location) time.Time {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
	lastDay := firstOfNext.AddDate(0, 0, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, c.Hour, c.Minute, 0, 0, loc)
}
