package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/goals"
	"reminderd/internal/reminders"
	"reminderd/internal/rules"
	"reminderd/internal/transport/telegram/router"
	"reminderd/pkg/tgui"
)

const listPageSize = 10

// ruleFlagDocs are the flags add and edit share, as /help lists them.
var ruleFlagDocs = []router.Flag{
	{Name: "repeat", Arg: "none|daily|weekly|monthly|yearly", Help: "how often it recurs"},
	{Name: "days", Arg: "mon,wed", Help: "weekdays for weekly rules; implies weekly"},
	{Name: "date", Arg: "YYYY-MM-DD", Help: "day of a one-time rule, anchor of monthly and yearly"},
	{Name: "alerts", Arg: "0,15", Help: "minutes before the time to notify"},
	{Name: "notes", Arg: `"..."`, Help: "notification body"},
}

// commands is the bot's command registry. Reading is open to the chat;
// anything that changes reminders or goals is owner-only.
func commands(rem *reminders.Service, gs *goals.StoreChecker) []router.Command {
	h := &handlers{rem: rem, goals: gs}
	return []router.Command{
		{Route: "reminders list", Aliases: []string{"rl"}, Description: "list reminders", Usage: "/reminders list", Handle: h.list,
			Flags: []router.Flag{{Name: "page", Arg: "N", Help: "page number"}}},
		{Route: "reminders add", Aliases: []string{"ra"}, Description: "add a reminder", Access: router.AccessOwnerOnly, Handle: h.add,
			Usage: `/reminders add "<title>" <HH:MM>`,
			Flags: append(slices.Clone(ruleFlagDocs), router.Flag{Name: "disabled", Help: "create it switched off"})},
		{Route: "reminders edit", Description: "change a reminder", Access: router.AccessOwnerOnly, Handle: h.edit,
			Usage: `/reminders edit <id>`,
			Flags: append([]router.Flag{
				{Name: "title", Arg: `"..."`, Help: "new title"},
				{Name: "time", Arg: "HH:MM", Help: "new time of day"},
			}, ruleFlagDocs...)},
		{Route: "reminders delete", Aliases: []string{"rd"}, Description: "delete a reminder", Usage: "/reminders delete <id>", Access: router.AccessOwnerOnly, Handle: h.remove},
		{Route: "reminders enable", Description: "enable a reminder", Usage: "/reminders enable <id>", Access: router.AccessOwnerOnly, Handle: h.setEnabled(true)},
		{Route: "reminders disable", Description: "disable a reminder", Usage: "/reminders disable <id>", Access: router.AccessOwnerOnly, Handle: h.setEnabled(false)},
		{Route: "reminders next", Description: "preview upcoming triggers", Usage: "/reminders next <id|waterAlert|proteinAlert> [n]", Handle: h.next},
		{Route: "reminders global", Description: "turn all reminders on or off", Usage: "/reminders global on|off", Access: router.AccessOwnerOnly, Handle: h.global},
		{Route: "reminders system toggle", Description: "turn a built-in notification on or off", Usage: "/reminders system toggle <waterAlert|waterInterval|proteinAlert> on|off", Access: router.AccessOwnerOnly, Handle: h.systemToggle},
		{Route: "reminders system interval", Description: "set the water reminder cadence", Usage: "/reminders system interval <60|120|180|240>", Access: router.AccessOwnerOnly, Handle: h.systemInterval},
		{Route: "reminders status", Aliases: []string{"rs"}, Description: "engine status", Usage: "/reminders status", Handle: h.status},
		{Route: "reminders export", Description: "export reminders as CSV", Usage: "/reminders export", Access: router.AccessOwnerOnly, Handle: h.export},
		{Route: "goal set", Description: "set a daily goal", Usage: "/goal set <water|protein> <amount>", Access: router.AccessOwnerOnly, Handle: h.goalSet},
		{Route: "goal log", Description: "log intake", Usage: "/goal log <water|protein> <amount>", Access: router.AccessOwnerOnly, Handle: h.goalLog},
		{Route: "goal show", Aliases: []string{"gs"}, Description: "today's progress", Usage: "/goal show [water|protein]", Handle: h.goalShow},
	}
}

type handlers struct {
	rem   *reminders.Service
	goals *goals.StoreChecker
}

func reply(ctx context.Context, req *router.Request, b *tgui.Builder) error {
	_, err := b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// userError turns engine errors into something the chat can act on.
func userError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, reminders.ErrPermissionDenied):
		return errors.New("notifications are blocked for this chat. Send the bot any message, then try again")
	case errors.Is(err, rules.ErrNotFound):
		return errors.New("no reminder with that id, see /reminders list")
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, rules.ErrUnknownSystemType):
		return err
	default:
		return fmt.Errorf("failed: %w", err)
	}
}

func (h *handlers) list(ctx context.Context, req *router.Request) error {
	st := h.rem.State()
	now := h.rem.Now()
	next := nextByID(h.rem.Status(ctx))

	b := tgui.New().Title("⏰", "Reminders")
	b.KV("All reminders", onOff(st.GlobalEnabled))

	b.Blank().Section("Built-in")
	for _, t := range rules.SystemTypes() {
		sr := st.SystemNotifications[t]
		b.Line(fmt.Sprintf("%s %s: %s", mark(sr.Enabled), reminders.SystemLabel(t), describeSystem(t, sr)))
	}

	b.Blank().Section("Custom")
	if len(st.CustomReminders) == 0 {
		b.Line("none yet, add one with /reminders add")
		return reply(ctx, req, b)
	}
	page, _ := strconv.Atoi(req.Flag("page", "1"))
	p := tgui.Paginate(st.CustomReminders, page-1, listPageSize)
	for _, r := range p.Items {
		line := fmt.Sprintf("%s %s · %s %s", mark(r.Enabled), tgui.TruncRunes(r.Title, 40), r.Time, describeRepeat(r))
		if at, ok := next[r.ID]; ok {
			line += " · " + reminders.NextText(at, now)
		}
		b.Line(line)
		b.Code(r.ID)
	}
	if p.Pages > 1 {
		b.Blank().Line(p.Label())
	}
	return reply(ctx, req, b)
}

func (h *handlers) add(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("usage: /reminders add \"<title>\" <HH:MM> [flags]")
	}
	r := rules.Rule{
		Title:  strings.TrimSpace(req.Args[0]),
		Time:   strings.TrimSpace(req.Args[1]),
		Kind:   rules.KindOnce,
		Alerts: []int{0},
	}
	apply, err := ruleFlags(req)
	if err != nil {
		return err
	}
	apply(&r)
	if r.Kind == rules.KindOnce && r.Date == "" {
		r.Date = h.rem.Now().Format("2006-01-02")
	}
	created, err := h.rem.CreateRule(ctx, r)
	if err != nil {
		return userError(err)
	}
	if req.BoolFlags["disabled"] {
		if created, err = h.rem.SetRuleEnabled(ctx, created.ID, false); err != nil {
			return userError(err)
		}
	}
	return reply(ctx, req, h.ruleCard(ctx, "✅", "Reminder added", created))
}

func (h *handlers) edit(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return fmt.Errorf("usage: /reminders edit <id> [flags]")
	}
	apply, err := ruleFlags(req)
	if err != nil {
		return err
	}
	// Flags land on the stored rule inside the update so fields the command
	// did not name keep whatever they hold at that moment.
	updated, err := h.rem.UpdateRule(ctx, req.Args[0], func(r *rules.Rule) {
		if v, ok := req.Flags["title"]; ok {
			r.Title = v
		}
		if v, ok := req.Flags["time"]; ok {
			r.Time = v
		}
		apply(r)
	})
	if err != nil {
		return userError(err)
	}
	return reply(ctx, req, h.ruleCard(ctx, "✏️", "Reminder updated", updated))
}

func (h *handlers) remove(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return fmt.Errorf("usage: /reminders delete <id>")
	}
	r, ok := h.rem.Rule(req.Args[0])
	if !ok {
		return userError(rules.ErrNotFound)
	}
	if err := h.rem.DeleteRule(ctx, r.ID); err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "🗑 Deleted "+tgui.B(r.Title).String())
}

func (h *handlers) setEnabled(on bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) < 1 {
			return fmt.Errorf("usage: %s <id>", "/"+req.Command)
		}
		r, err := h.rem.SetRuleEnabled(ctx, req.Args[0], on)
		if err != nil {
			return userError(err)
		}
		return reply(ctx, req, h.ruleCard(ctx, mark(on), "Reminder "+onOff(on), r))
	}
}

func (h *handlers) next(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return fmt.Errorf("usage: /reminders next <id> [n]")
	}
	n := 5
	if len(req.Args) > 1 {
		v, err := strconv.Atoi(req.Args[1])
		if err != nil || v < 1 || v > 20 {
			return fmt.Errorf("n must be between 1 and 20")
		}
		n = v
	}
	at, err := h.rem.NextTriggers(req.Args[0], n)
	if err != nil {
		return userError(err)
	}
	b := tgui.New().Title("📅", "Upcoming")
	if len(at) == 0 {
		b.Line("nothing scheduled")
	}
	for _, t := range at {
		b.Bullets(t.Format("Mon 2006-01-02 15:04"))
	}
	return reply(ctx, req, b)
}

func (h *handlers) global(ctx context.Context, req *router.Request) error {
	on, err := parseOnOff(req.Args, 0)
	if err != nil {
		return err
	}
	if err := h.rem.SetGlobalEnabled(ctx, on); err != nil {
		return userError(err)
	}
	return req.Reply(ctx, mark(on)+" Reminders "+onOff(on))
}

func (h *handlers) systemToggle(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("usage: /reminders system toggle <type> on|off")
	}
	t, ok := rules.ParseSystemType(req.Args[0])
	if !ok {
		return userError(fmt.Errorf("%w: %s", rules.ErrUnknownSystemType, req.Args[0]))
	}
	on, err := parseOnOff(req.Args, 1)
	if err != nil {
		return err
	}
	if _, err := h.rem.ToggleSystem(ctx, t, on); err != nil {
		return userError(err)
	}
	return req.Reply(ctx, mark(on)+" "+tgui.Esc(reminders.SystemLabel(t)).String()+" "+onOff(on))
}

func (h *handlers) systemInterval(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return fmt.Errorf("usage: /reminders system interval <minutes>")
	}
	minutes, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return fmt.Errorf("interval must be a number of minutes")
	}
	sr, err := h.rem.UpdateSystem(ctx, rules.WaterInterval, func(s *rules.SystemRule) { s.Interval = minutes })
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "💧 Water reminders every "+tgui.B(strconv.Itoa(sr.Interval)+" min").String())
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	st := h.rem.Status(ctx)
	now := h.rem.Now()
	b := tgui.New().Title("📊", "Reminder status")
	b.KV("All reminders", onOff(st.GlobalEnabled))
	b.KV("Permission", st.PermissionStatus)
	b.KV("Timezone", st.Timezone)
	b.KV("Custom", fmt.Sprintf("%d (%d enabled)", st.Rules, st.EnabledRules))
	b.KV("Live timers", strconv.Itoa(st.LiveTimers))
	if st.Gate.Running {
		b.KV("Water interval", fmt.Sprintf("every %s, next tick %s", st.Gate.Interval, st.Gate.NextTick.Format("15:04")))
	}
	if st.LastFire != nil {
		b.KV("Last fire", fmt.Sprintf("%s at %s (%s)", st.LastFire.Title, st.LastFire.At.Format("Jan 2 15:04"), st.LastFire.Outcome))
	}
	if len(st.Next) > 0 {
		b.Blank().Section("Next up")
		for _, tr := range st.Next[:min(len(st.Next), 5)] {
			b.Bullets(fmt.Sprintf("%s %s (%s)", tr.At.Format("Mon 15:04"), tr.Title, reminders.NextText(tr.At, now)))
		}
	}
	return reply(ctx, req, b)
}

func (h *handlers) export(ctx context.Context, req *router.Request) error {
	var buf bytes.Buffer
	if err := h.rem.Export(&buf); err != nil {
		return userError(err)
	}
	b := tgui.New().Title("📤", "Reminders export").PreMulti(buf.String(), 0)
	return reply(ctx, req, b)
}

func (h *handlers) goalSet(ctx context.Context, req *router.Request) error {
	m, amount, err := parseGoalArgs(req.Args)
	if err != nil {
		return err
	}
	p, err := h.goals.SetGoal(ctx, m, amount)
	if err != nil {
		return err
	}
	return reply(ctx, req, progressCard("🎯", "Goal set", m, p))
}

func (h *handlers) goalLog(ctx context.Context, req *router.Request) error {
	m, amount, err := parseGoalArgs(req.Args)
	if err != nil {
		return err
	}
	p, err := h.goals.Log(ctx, m, amount)
	if err != nil {
		return err
	}
	return reply(ctx, req, progressCard("📝", "Logged", m, p))
}

func (h *handlers) goalShow(ctx context.Context, req *router.Request) error {
	metrics := []goals.Metric{goals.Water, goals.Protein}
	if len(req.Args) > 0 {
		m, ok := goals.ParseMetric(strings.ToLower(req.Args[0]))
		if !ok {
			return fmt.Errorf("unknown goal %q, use water or protein", req.Args[0])
		}
		metrics = []goals.Metric{m}
	}
	b := tgui.New().Title("🎯", "Today")
	for _, m := range metrics {
		p, err := h.goals.Read(ctx, m)
		if err != nil {
			return err
		}
		b.KV(string(m), formatProgress(m, p))
	}
	return reply(ctx, req, b)
}

func (h *handlers) ruleCard(ctx context.Context, emoji, title string, r rules.Rule) *tgui.Builder {
	b := tgui.New().Title(emoji, title)
	b.KV("Title", r.Title)
	b.KV("When", r.Time+" "+describeRepeat(r))
	if len(r.Alerts) > 0 {
		b.KV("Alerts", describeAlerts(r.Alerts))
	}
	if strings.TrimSpace(r.Notes) != "" {
		b.KV("Notes", tgui.TruncRunes(r.Notes, 200))
	}
	b.KV("Enabled", onOff(r.Enabled))
	if at, ok := nextByID(h.rem.Status(ctx))[r.ID]; ok {
		b.KV("Next", at.Format("Mon 2006-01-02 15:04"))
	}
	b.Code(r.ID)
	return b
}

func progressCard(emoji, title string, m goals.Metric, p goals.Progress) *tgui.Builder {
	return tgui.New().Title(emoji, title).KV(string(m), formatProgress(m, p))
}

func formatProgress(m goals.Metric, p goals.Progress) string {
	unit := m.Unit()
	total := strconv.FormatFloat(p.Total, 'f', -1, 64)
	if p.Goal <= 0 {
		return total + unit + " (no goal set)"
	}
	goal := strconv.FormatFloat(p.Goal, 'f', -1, 64)
	s := total + "/" + goal + unit
	if p.Total >= p.Goal {
		return s + " ✅"
	}
	return s + " (" + strconv.FormatFloat(p.Goal-p.Total, 'f', -1, 64) + unit + " to go)"
}

// ruleFlags parses the shared add/edit flags and returns a patch that sets
// only the fields named on the command line.
func ruleFlags(req *router.Request) (func(*rules.Rule), error) {
	var days, alerts []int
	var err error
	if v, ok := req.Flags["days"]; ok {
		if days, err = parseDays(v); err != nil {
			return nil, err
		}
	}
	if v, ok := req.Flags["alerts"]; ok {
		if alerts, err = parseInts(v); err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
	}
	return func(r *rules.Rule) {
		if v, ok := req.Flags["repeat"]; ok {
			r.Kind = rules.Kind(strings.ToLower(strings.TrimSpace(v)))
			if r.Kind == "once" {
				r.Kind = rules.KindOnce
			}
		}
		if _, ok := req.Flags["days"]; ok {
			r.Weekdays = slices.Clone(days)
			if _, set := req.Flags["repeat"]; !set && r.Kind == rules.KindOnce {
				r.Kind = rules.KindWeekly
			}
		}
		if v, ok := req.Flags["date"]; ok {
			r.Date = strings.TrimSpace(v)
		}
		if _, ok := req.Flags["alerts"]; ok {
			r.Alerts = slices.Clone(alerts)
		}
		if v, ok := req.Flags["notes"]; ok {
			r.Notes = v
		}
	}, nil
}

var dayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// parseDays accepts weekday numbers (0 = Sunday) or three-letter names.
func parseDays(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		d := slices.Index(dayNames, strings.TrimSuffix(part[:min(len(part), 3)], "."))
		if d < 0 {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n > 6 {
				return nil, fmt.Errorf("day %q is not 0-6 or a weekday name", part)
			}
			d = n
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("days must name at least one weekday")
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseOnOff(args []string, i int) (bool, error) {
	if len(args) <= i {
		return false, errors.New("expected on or off")
	}
	switch strings.ToLower(args[i]) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", args[i])
	}
}

func parseGoalArgs(args []string) (goals.Metric, float64, error) {
	if len(args) < 2 {
		return "", 0, errors.New("usage: <water|protein> <amount>")
	}
	m, ok := goals.ParseMetric(strings.ToLower(args[0]))
	if !ok {
		return "", 0, fmt.Errorf("unknown goal %q, use water or protein", args[0])
	}
	amount, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(args[1]), m.Unit()), 64)
	if err != nil {
		return "", 0, fmt.Errorf("amount %q is not a number", args[1])
	}
	return m, amount, nil
}

func nextByID(st reminders.Status) map[string]time.Time {
	out := make(map[string]time.Time, len(st.Next))
	for _, tr := range st.Next {
		out[tr.ID] = tr.At
	}
	return out
}

func describeRepeat(r rules.Rule) string {
	switch r.Kind {
	case rules.KindDaily:
		return "daily"
	case rules.KindWeekly:
		return "weekly on " + describeDays(r.Weekdays)
	case rules.KindMonthly:
		if d, err := rules.ParseDate(r.Date, time.UTC); err == nil {
			return fmt.Sprintf("monthly on day %d", d.Day())
		}
		return "monthly"
	case rules.KindYearly:
		if d, err := rules.ParseDate(r.Date, time.UTC); err == nil {
			return "yearly on " + d.Format("Jan 2")
		}
		return "yearly"
	default:
		if r.Date != "" {
			return "once on " + r.Date
		}
		return "once"
	}
}

func describeSystem(t rules.SystemType, sr rules.SystemRule) string {
	if !t.TimeBased() {
		s := fmt.Sprintf("every %d min", sr.Interval)
		if w := sr.ActiveWindow; w != nil {
			s += fmt.Sprintf(", %s–%s", w.Start, w.End)
		}
		return s + " on " + describeDays(sr.Days)
	}
	return sr.Time + " on " + describeDays(sr.Days)
}

func describeDays(days []int) string {
	if len(days) == 7 {
		return "every day"
	}
	if len(days) == 0 {
		return "no days"
	}
	sorted := slices.Clone(days)
	// Monday first.
	slices.SortFunc(sorted, func(a, b int) int { return (a+6)%7 - (b+6)%7 })
	names := make([]string, 0, len(sorted))
	for _, d := range sorted {
		if d >= 0 && d < len(dayNames) {
			names = append(names, strings.ToUpper(dayNames[d][:1])+dayNames[d][1:])
		}
	}
	return strings.Join(names, ",")
}

func describeAlerts(alerts []int) string {
	parts := make([]string, 0, len(alerts))
	for _, a := range alerts {
		if a == 0 {
			parts = append(parts, "on time")
			continue
		}
		parts = append(parts, fmt.Sprintf("%d min before", a))
	}
	return strings.Join(parts, ", ")
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func mark(on bool) string {
	if on {
		return "🟢"
	}
	return "⚪"
}
