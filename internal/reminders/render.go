package reminders

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/goals"
	"reminderd/internal/notifier"
	"reminderd/internal/rules"
)

const systemPrefix = "system:"

// SystemRuleID is the scheduler id of a time-based system notification.
func SystemRuleID(t rules.SystemType) string { return systemPrefix + string(t) }

func parseSystemRuleID(id string) (rules.SystemType, bool) {
	rest, ok := strings.CutPrefix(id, systemPrefix)
	if !ok {
		return "", false
	}
	return rules.ParseSystemType(rest)
}

// systemAsRule expresses a time-based system notification as a weekly rule
// firing at its time on its days, with a single on-time alert.
func systemAsRule(t rules.SystemType, sr rules.SystemRule) rules.Rule {
	return rules.Rule{
		ID:       SystemRuleID(t),
		Title:    SystemTitle(t),
		Time:     sr.Time,
		Kind:     rules.KindWeekly,
		Weekdays: append([]int(nil), sr.Days...),
		Alerts:   []int{0},
		Enabled:  sr.Enabled,
	}
}

// SystemTitle is the notification title of a system type.
func SystemTitle(t rules.SystemType) string {
	switch t {
	case rules.WaterAlert:
		return "Water Intake Alert"
	case rules.ProteinAlert:
		return "Protein Intake Alert"
	case rules.WaterInterval:
		return "Water Reminder"
	default:
		return string(t)
	}
}

// SystemLabel is the human name of a system type used in listings.
func SystemLabel(t rules.SystemType) string {
	switch t {
	case rules.WaterAlert:
		return "Water Goal Alert"
	case rules.ProteinAlert:
		return "Protein Goal Alert"
	case rules.WaterInterval:
		return "Water Reminders"
	default:
		return string(t)
	}
}

func metricFor(t rules.SystemType) (goals.Metric, bool) {
	switch t {
	case rules.WaterAlert, rules.WaterInterval:
		return goals.Water, true
	case rules.ProteinAlert:
		return goals.Protein, true
	default:
		return "", false
	}
}

// Render builds the message for one alert of a custom rule.
func Render(r rules.Rule, offset int) notifier.Message {
	body := strings.TrimSpace(r.Notes)
	if body == "" {
		body = r.Title
	}
	if offset > 0 {
		body = "Reminder in " + leadText(offset) + ": " + body
	}
	return notifier.Message{Title: r.Title, Body: body, RuleID: r.ID}
}

// leadText formats an alert offset: whole hours from 60 minutes up,
// minutes below.
func leadText(minutes int) string {
	if minutes >= 60 {
		return plural(minutes/60, "hour")
	}
	return plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// shortfallBody is the fallback text of a goal alert.
func shortfallBody(t rules.SystemType, remaining float64) string {
	amount := strconv.FormatFloat(remaining, 'f', -1, 64)
	switch t {
	case rules.ProteinAlert:
		return fmt.Sprintf("You're %sg short of your daily protein goal. Time to fuel up!", amount)
	default:
		return fmt.Sprintf("You're %sml short of your daily water goal. Time to hydrate!", amount)
	}
}

const waterIntervalFallback = "Time to drink some water! Stay hydrated."

// NextText describes how far away next is, as shown next to each rule.
func NextText(next, now time.Time) string {
	d := next.Sub(now)
	hours := int(d / time.Hour)
	days := hours / 24
	switch {
	case days > 0:
		return "in " + plural(days, "day")
	case hours > 0:
		return "in " + plural(hours, "hour")
	default:
		return "soon"
	}
}
