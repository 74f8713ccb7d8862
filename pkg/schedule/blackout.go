package schedule

import (
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Location resolves the schedule's time zone, falling back to def and then
// UTC. Invalid names fall back rather than fail: a task with a bad zone must
// still dispatch.
func Location(cfg *types.ScheduleConfig, def string) *time.Location {
	name := ""
	if cfg != nil {
		name = cfg.Timezone
	}
	if name == "" {
		name = def
	}
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// minutesOf converts a wall-clock instant into minutes since local midnight.
func minutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// timeOfDayMinutes is a clock position as minutes since local midnight.
type timeOfDayMinutes int

func (d timeOfDayMinutes) contains(w types.BlackoutWindow) bool {
	start := w.Start.Hour*60 + w.Start.Minute
	end := w.End.Hour*60 + w.End.Minute
	m := int(d)
	if start <= end {
		return m >= start && m <= end
	}
	// Window crosses midnight: excluded range is [start, 24:00) and [00:00, end].
	return m >= start || m <= end
}

// InBlackout reports whether t falls inside any blackout window of cfg,
// evaluated in the schedule's time zone.
func InBlackout(cfg *types.ScheduleConfig, t time.Time, defaultTZ string) bool {
	if cfg == nil || len(cfg.Blackouts) == 0 {
		return false
	}
	local := t.In(Location(cfg, defaultTZ))
	m := timeOfDayMinutes(minutesOf(local))
	for _, w := range cfg.Blackouts {
		if m.contains(w) {
			return true
		}
	}
	return false
}

// NextExit returns the earliest instant at or after t that is outside every
// blackout window. If t is already clear it is returned unchanged. Overlapping
// windows are handled by re-checking after each hop; the scan is bounded to
// 48 hours which is more than any set of daily windows can cover.
func NextExit(cfg *types.ScheduleConfig, t time.Time, defaultTZ string) time.Time {
	if !InBlackout(cfg, t, defaultTZ) {
		return t
	}

	loc := Location(cfg, defaultTZ)
	cur := t.In(loc)
	limit := cur.Add(48 * time.Hour)

	for cur.Before(limit) {
		moved := false
		m := timeOfDayMinutes(minutesOf(cur))
		for _, w := range cfg.Blackouts {
			if !m.contains(w) {
				continue
			}
			cur = windowExit(cur, w)
			moved = true
			break
		}
		if !moved {
			return cur
		}
	}
	return cur
}

// windowExit returns the first minute after the end of w relative to t.
func windowExit(t time.Time, w types.BlackoutWindow) time.Time {
	end := w.End.Hour*60 + w.End.Minute
	exit := time.Date(t.Year(), t.Month(), t.Day(), w.End.Hour, w.End.Minute, 0, 0, t.Location()).
		Add(time.Minute)
	if minutesOf(t) > end {
		// End is earlier in the day than we are: the window runs past
		// midnight, so the exit is tomorrow.
		exit = exit.AddDate(0, 0, 1)
	}
	return exit
}
