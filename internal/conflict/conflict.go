package conflict

import (
	"time"

	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/recurrence"
)

const (
	DefaultWindowMinutes = 15
	DefaultLookahead     = 10
)

type Options struct {
	// Window is the minimum gap required between two occurrences before they
	// are considered colliding.
	Window time.Duration
	// Lookahead bounds how many occurrences per schedule are materialized.
	// Recurring schedules are unbounded in time; a fixed lookahead keeps the
	// check O(1) in schedule age at the cost of missing collisions far in the
	// future. That is an accepted approximation, not a correctness guarantee.
	Lookahead int
}

func DefaultOptions() Options {
	return Options{
		Window:    DefaultWindowMinutes * time.Minute,
		Lookahead: DefaultLookahead,
	}
}

type Result struct {
	HasConflict bool
	Schedule    *models.Schedule
	Instant     time.Time
}

// ConfigOf rebuilds the generating recurrence config from a stored schedule
// row. Recurring schedules are represented by their config, not just the
// single stored scheduled_at, so conflicts are computed against regenerated
// occurrences.
func ConfigOf(s *models.Schedule) recurrence.Config {
	return recurrence.Config{
		Frequency:    recurrence.Frequency(s.Frequency),
		Hour:         s.Hour,
		Minute:       s.Minute,
		Timezone:     s.Timezone,
		StartDate:    s.StartDate,
		WeekStartsOn: s.WeekStartsOn,
	}
}

// Check samples bounded occurrence windows of the candidate config against
// every existing schedule and reports the first near-collision found.
// Existing schedules are scanned in stored order and candidate occurrences in
// chronological order, so ties break deterministically. A schedule whose id
// equals excludeID is skipped; that is the row being edited.
func Check(candidate recurrence.Config, existing []*models.Schedule, excludeID int64, after time.Time, opts Options) (Result, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindowMinutes * time.Minute
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}

	candidateOccs, err := recurrence.Occurrences(candidate, after, opts.Lookahead)
	if err != nil {
		return Result{}, err
	}

	for _, sched := range existing {
		if sched.ID == excludeID {
			continue
		}
		existingOccs, err := recurrence.Occurrences(ConfigOf(sched), after, opts.Lookahead)
		if err != nil {
			return Result{}, err
		}
		for _, c := range candidateOccs {
			for _, e := range existingOccs {
				if gap(c, e) < opts.Window {
					return Result{HasConflict: true, Schedule: sched, Instant: e}, nil
				}
			}
		}
	}
	return Result{}, nil
}

func gap(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}

type BulkOptions struct {
	Count        int
	Interval     time.Duration
	SkipWeekends bool
	// Taken holds already-scheduled instants. Exact-minute equality against a
	// taken slot is a hard conflict: the slot is skipped and the plan shifts
	// forward by Interval instead of failing the whole batch.
	Taken []time.Time
}

// PlanBulk lays out Count publish instants starting at start, spaced by
// Interval, pushing weekend slots to the next weekday when SkipWeekends is
// set and stepping over taken slots.
func PlanBulk(start time.Time, opts BulkOptions) []time.Time {
	slots := make([]time.Time, 0, opts.Count)
	cursor := start

	// Guard against a pathological Taken list occupying every shifted slot.
	maxProbes := opts.Count*32 + 32

	for len(slots) < opts.Count && maxProbes > 0 {
		maxProbes--
		if opts.SkipWeekends && isWeekend(cursor) {
			cursor = cursor.AddDate(0, 0, 1)
			continue
		}
		if taken(cursor, opts.Taken) {
			cursor = cursor.Add(opts.Interval)
			continue
		}
		slots = append(slots, cursor)
		cursor = cursor.Add(opts.Interval)
	}
	return slots
}

func taken(slot time.Time, taken []time.Time) bool {
	for _, t := range taken {
		if slot.Truncate(time.Minute).Equal(t.Truncate(time.Minute)) {
			return true
		}
	}
	return false
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
