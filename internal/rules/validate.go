package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidRule       = errors.New("invalid rule")
	ErrNotFound          = errors.New("rule not found")
	ErrUnknownSystemType = errors.New("unknown system notification type")
)

const dateLayout = "2006-01-02"

// ParseHHMM parses "HH:MM" (24h) into hour and minute.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// MinuteOfDay returns HH:MM as minutes since midnight.
func MinuteOfDay(s string) (int, error) {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// ParseDate parses a YYYY-MM-DD date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(dateLayout, strings.TrimSpace(s), loc)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// ValidateRule checks a custom rule before it is stored.
func ValidateRule(r Rule) error {
	if strings.TrimSpace(r.Title) == "" {
		return invalid("title is required")
	}
	if _, _, err := ParseHHMM(r.Time); err != nil {
		return invalid("%v", err)
	}
	if !r.Kind.Valid() {
		return invalid("unknown repeat %q", r.Kind)
	}
	if err := validateDays(r.Weekdays); err != nil {
		return err
	}
	if r.Kind == KindWeekly && len(r.Weekdays) == 0 {
		return invalid("weekly reminder needs at least one day")
	}
	if r.Kind == KindOnce && strings.TrimSpace(r.Date) == "" {
		return invalid("one-time reminder needs a date")
	}
	if strings.TrimSpace(r.Date) != "" {
		if _, err := ParseDate(r.Date, time.UTC); err != nil {
			return invalid("date %q must be YYYY-MM-DD", r.Date)
		}
	}
	if len(r.Alerts) == 0 || len(r.Alerts) > MaxAlerts {
		return invalid("between 1 and %d alerts are required", MaxAlerts)
	}
	for _, a := range r.Alerts {
		if a < 0 {
			return invalid("alert offset %d must not be negative", a)
		}
	}
	return nil
}

// ValidateSystem checks a system rule against its catalog type.
func ValidateSystem(t SystemType, s SystemRule) error {
	if _, ok := DefaultSystem(t); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSystemType, t)
	}
	if err := validateDays(s.Days); err != nil {
		return err
	}
	switch t {
	case WaterAlert, ProteinAlert:
		if _, _, err := ParseHHMM(s.Time); err != nil {
			return invalid("%v", err)
		}
	case WaterInterval:
		if !slices.Contains(IntervalChoices, s.Interval) {
			return invalid("interval %d must be one of %v", s.Interval, IntervalChoices)
		}
		if s.ActiveWindow == nil {
			return invalid("active window is required")
		}
		start, err := MinuteOfDay(s.ActiveWindow.Start)
		if err != nil {
			return invalid("window start: %v", err)
		}
		end, err := MinuteOfDay(s.ActiveWindow.End)
		if err != nil {
			return invalid("window end: %v", err)
		}
		if start > end {
			return invalid("window start %s is after end %s", s.ActiveWindow.Start, s.ActiveWindow.End)
		}
	}
	return nil
}

func validateDays(days []int) error {
	for _, d := range days {
		if d < 0 || d > 6 {
			return invalid("weekday %d out of range 0..6", d)
		}
	}
	return nil
}
