package schedule

import (
	"math/rand"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// adaptiveMinHistory is how many runs the adaptive planner needs before it
// trusts the success-by-hour profile.
const adaptiveMinHistory = 10

// adaptiveFallback is the interval used while history is still thin.
const adaptiveFallback = 4 * time.Hour

// NextRun computes the next run time for a recurring task. The result is
// always strictly after now and never inside a blackout window.
func NextRun(cfg *types.ScheduleConfig, now time.Time, history []types.ExecutionRecord, defaultTZ string) time.Time {
	if cfg == nil {
		return now.Add(adaptiveFallback)
	}

	var next time.Time
	switch cfg.Kind {
	case types.ScheduleContinuous:
		next = now.Add(30 * time.Second)
	case types.ScheduleInterval, types.ScheduleCustom:
		ivl := time.Duration(cfg.IntervalMinutes) * time.Minute
		if ivl <= 0 {
			ivl = time.Hour
		}
		next = now.Add(ivl)
	case types.ScheduleDaily:
		next = nextTimeOfDay(cfg, now, nil, defaultTZ)
	case types.ScheduleWeekly:
		next = nextTimeOfDay(cfg, now, cfg.DaysOfWeek, defaultTZ)
	case types.ScheduleMonthly:
		next = nextMonthly(cfg, now, defaultTZ)
	case types.ScheduleAdaptive:
		next = nextAdaptive(cfg, now, history, defaultTZ)
	default:
		next = now.Add(adaptiveFallback)
	}

	return NextExit(cfg, next, defaultTZ)
}

// nextTimeOfDay finds the earliest future configured time-of-day, optionally
// restricted to a set of weekdays, skipping candidates inside a blackout.
func nextTimeOfDay(cfg *types.ScheduleConfig, now time.Time, days []time.Weekday, defaultTZ string) time.Time {
	loc := Location(cfg, defaultTZ)
	local := now.In(loc)

	times := cfg.Times
	if len(times) == 0 {
		times = []types.TimeOfDay{{Hour: 0, Minute: 0}}
	}

	// Scan up to two weeks of candidates; with any weekday allowed this
	// always terminates within the first couple of days.
	for day := 0; day < 15; day++ {
		date := local.AddDate(0, 0, day)
		if len(days) > 0 && !weekdayIn(days, date.Weekday()) {
			continue
		}
		for _, tod := range sortedTimes(times) {
			cand := time.Date(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, 0, 0, loc)
			if !cand.After(local) {
				continue
			}
			if InBlackout(cfg, cand, defaultTZ) {
				continue
			}
			return cand
		}
	}
	// Every candidate in the scan horizon was blacked out; take the first
	// future candidate and let the blackout exit push it clear.
	return local.Add(24 * time.Hour)
}

// nextMonthly schedules the first configured time-of-day on the first day of
// the next month.
func nextMonthly(cfg *types.ScheduleConfig, now time.Time, defaultTZ string) time.Time {
	loc := Location(cfg, defaultTZ)
	local := now.In(loc)

	tod := types.TimeOfDay{}
	if len(cfg.Times) > 0 {
		tod = sortedTimes(cfg.Times)[0]
	}
	first := time.Date(local.Year(), local.Month(), 1, tod.Hour, tod.Minute, 0, 0, loc)
	for !first.After(local) {
		first = first.AddDate(0, 1, 0)
	}
	return first
}

// nextAdaptive schedules at the hour-of-day with the highest historical
// success count, on the next day, with ±30 minutes of jitter to
// de-synchronize instances. Thin history falls back to a fixed interval.
func nextAdaptive(cfg *types.ScheduleConfig, now time.Time, history []types.ExecutionRecord, defaultTZ string) time.Time {
	if len(history) < adaptiveMinHistory {
		return now.Add(adaptiveFallback)
	}

	loc := Location(cfg, defaultTZ)
	var byHour [24]int
	for _, rec := range history {
		if rec.Success {
			byHour[rec.StartedAt.In(loc).Hour()]++
		}
	}

	best := 0
	for h := 1; h < 24; h++ {
		if byHour[h] > byHour[best] {
			best = h
		}
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), best, 0, 0, 0, loc).AddDate(0, 0, 1)
	jit := time.Duration((rand.Float64()*2 - 1) * float64(30*time.Minute))
	next = next.Add(jit)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func sortedTimes(times []types.TimeOfDay) []types.TimeOfDay {
	out := make([]types.TimeOfDay, len(times))
	copy(out, times)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b types.TimeOfDay) bool {
	if a.Hour != b.Hour {
		return a.Hour < b.Hour
	}
	return a.Minute < b.Minute
}
