// Package recurrence computes the next trigger instant of a reminder rule.
// All functions are pure; the location of now is the wall clock used.
//
// Every kind combines a calendar day with the rule's HH:MM through wallClock,
// so daylight saving transitions are handled the same way for all of them:
// a time skipped by a forward jump fires after the jump (02:30 becomes 03:30),
// and a time repeated by a backward jump fires once, at its first instant.
package recurrence

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/rules"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const (
	monthScan = 13
	yearScan  = 2
)

// Next returns the first trigger of r strictly after now, or false when the
// rule has no future occurrence (a past one-off, an empty weekly set, an
// unusable time or anchor).
func Next(r rules.Rule, now time.Time) (time.Time, bool) {
	hour, minute, err := rules.ParseHHMM(r.Time)
	if err != nil {
		return time.Time{}, false
	}
	loc := now.Location()

	switch r.Kind {
	case rules.KindOnce:
		if strings.TrimSpace(r.Date) == "" {
			return time.Time{}, false
		}
		d, err := rules.ParseDate(r.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		at := wallClock(d.Year(), d.Month(), d.Day(), hour, minute, loc)
		if !at.After(now) {
			return time.Time{}, false
		}
		return at, true

	case rules.KindDaily:
		return dayNext(hour, minute, nil, now)

	case rules.KindWeekly:
		if len(r.Weekdays) == 0 {
			return time.Time{}, false
		}
		return dayNext(hour, minute, r.Weekdays, now)

	case rules.KindMonthly:
		anchor, ok := anchorDate(r.Date, loc)
		if !ok {
			return time.Time{}, false
		}
		for i := 0; i < monthScan; i++ {
			first := time.Date(now.Year(), now.Month()+time.Month(i), 1, 0, 0, 0, 0, loc)
			day := min(anchor.Day(), daysIn(first.Year(), first.Month(), loc))
			at := wallClock(first.Year(), first.Month(), day, hour, minute, loc)
			if at.After(now) {
				return at, true
			}
		}
		return time.Time{}, false

	case rules.KindYearly:
		anchor, ok := anchorDate(r.Date, loc)
		if !ok {
			return time.Time{}, false
		}
		for i := 0; i < yearScan; i++ {
			y := now.Year() + i
			day := min(anchor.Day(), daysIn(y, anchor.Month(), loc))
			at := wallClock(y, anchor.Month(), day, hour, minute, loc)
			if at.After(now) {
				return at, true
			}
		}
		return time.Time{}, false

	default:
		return time.Time{}, false
	}
}

// Preview returns up to n successive triggers after now.
func Preview(r rules.Rule, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	cur := now
	for len(out) < n {
		t, ok := Next(r, cur)
		if !ok {
			break
		}
		out = append(out, t)
		cur = t
	}
	return out
}

// dayNext answers daily and weekly rules. The weekday set is parsed as the
// day-of-week field of a "m h * * dow" cron spec; the trigger itself is
// built per calendar day with wallClock.
func dayNext(hour, minute int, weekdays []int, now time.Time) (time.Time, bool) {
	mask, ok := weekdayMask(hour, minute, weekdays)
	if !ok {
		return time.Time{}, false
	}
	loc := now.Location()
	y, m, d := now.Date()
	// Eight days reach the same weekday a week ahead when today's time passed.
	for i := 0; i <= 7; i++ {
		wd := time.Date(y, m, d+i, 12, 0, 0, 0, loc).Weekday()
		if mask&(1<<uint(wd)) == 0 {
			continue
		}
		at := wallClock(y, m, d+i, hour, minute, loc)
		if at.After(now) {
			return at, true
		}
	}
	return time.Time{}, false
}

func weekdayMask(hour, minute int, weekdays []int) (uint64, bool) {
	dow := "*"
	if len(weekdays) > 0 {
		days := slices.Clone(weekdays)
		slices.Sort(days)
		days = slices.Compact(days)
		parts := make([]string, 0, len(days))
		for _, d := range days {
			if d < 0 || d > 6 {
				return 0, false
			}
			parts = append(parts, strconv.Itoa(d))
		}
		dow = strings.Join(parts, ",")
	}
	sched, err := parser.Parse(fmt.Sprintf("%d %d * * %s", minute, hour, dow))
	if err != nil {
		return 0, false
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return 0, false
	}
	return spec.Dow, true
}

// wallClock is time.Date for hour:minute on the given day, except that a
// wall time skipped by a forward transition resolves to the instant after
// the gap instead of time.Date's earlier one.
func wallClock(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == minute {
		return t
	}
	_, before := t.Add(-24 * time.Hour).Zone()
	_, after := t.Add(24 * time.Hour).Zone()
	a := time.Date(year, month, day, hour, minute, 0, 0, time.FixedZone("", before))
	b := time.Date(year, month, day, hour, minute, 0, 0, time.FixedZone("", after))
	if b.After(a) {
		a = b
	}
	return a.In(loc)
}

func anchorDate(date string, loc *time.Location) (time.Time, bool) {
	if strings.TrimSpace(date) == "" {
		return time.Time{}, false
	}
	d, err := rules.ParseDate(date, loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
