package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"reminderd/internal/clock"
	"reminderd/internal/goals"
	"reminderd/internal/notifier"
	"reminderd/internal/reminders"
	"reminderd/internal/rules"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	kit "reminderd/internal/transport"
	"reminderd/internal/transport/telegram/router"
	logx "reminderd/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		return ""
	}
	return a.texts[len(a.texts)-1]
}

type deniedDispatcher struct{}

func (deniedDispatcher) Dispatch(context.Context, notifier.Message) notifier.Result {
	return notifier.Result{Outcome: notifier.Suppressed, Reason: notifier.ReasonPermissionDenied}
}

func (deniedDispatcher) Permission(context.Context) notifier.Permission {
	return notifier.PermissionDenied
}

// Monday 2024-01-01 08:00 UTC.
var monday8 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type cmdEnv struct {
	h   *handlers
	ad  *fakeAdapter
	rem *reminders.Service
}

func newCmdEnv(t *testing.T, disp notifier.Dispatcher) *cmdEnv {
	t.Helper()
	kv := storage.NewMemory()
	clk := clock.NewFake(monday8)
	rem := reminders.New(reminders.Options{
		KV:         kv,
		Exec:       engine.NewInline(logx.Nop(), nil),
		Clock:      clk,
		Dispatcher: disp,
		Location:   time.UTC,
	})
	if err := rem.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	gs := goals.NewStoreChecker(kv, goals.DefaultKeyPrefix, clk.Now)
	return &cmdEnv{h: &handlers{rem: rem, goals: gs}, ad: &fakeAdapter{}, rem: rem}
}

func (e *cmdEnv) req(args []string, flags map[string]string, bools ...string) *router.Request {
	if flags == nil {
		flags = map[string]string{}
	}
	bf := map[string]bool{}
	for _, b := range bools {
		bf[b] = true
	}
	return &router.Request{
		Chat:      kit.ChatTarget{ChatID: 42},
		FromID:    42,
		Args:      args,
		Flags:     flags,
		BoolFlags: bf,
		Adapter:   e.ad,
		Logger:    logx.Nop(),
	}
}

func TestAddListDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)

	err := e.h.add(ctx, e.req([]string{"Stretch <5 min>", "09:00"}, map[string]string{"repeat": "daily", "alerts": "0,15"}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := e.ad.last(); !strings.Contains(got, "Reminder added") || !strings.Contains(got, "Stretch &lt;5 min&gt;") {
		t.Fatalf("add reply = %q", got)
	}
	st := e.rem.State()
	if len(st.CustomReminders) != 1 {
		t.Fatalf("rules = %d", len(st.CustomReminders))
	}
	r := st.CustomReminders[0]
	if r.Kind != rules.KindDaily || !slices.Equal(r.Alerts, []int{0, 15}) || !r.Enabled {
		t.Fatalf("stored rule = %+v", r)
	}

	if err := e.h.list(ctx, e.req(nil, nil)); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := e.ad.last(); !strings.Contains(got, "09:00 daily") || !strings.Contains(got, r.ID) {
		t.Fatalf("list reply = %q", got)
	}

	if err := e.h.remove(ctx, e.req([]string{r.ID}, nil)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(e.rem.State().CustomReminders); n != 0 {
		t.Fatalf("rules after delete = %d", n)
	}
	if err := e.h.remove(ctx, e.req([]string{r.ID}, nil)); err == nil {
		t.Fatalf("second delete should fail")
	}
}

func TestAddDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cases := []struct {
		name    string
		args    []string
		flags   map[string]string
		bools   []string
		wantErr bool
		check   func(t *testing.T, r rules.Rule)
	}{
		{
			name: "once defaults to today",
			args: []string{"Call mum", "18:30"},
			check: func(t *testing.T, r rules.Rule) {
				if r.Kind != rules.KindOnce || r.Date != "2024-01-01" {
					t.Fatalf("rule = %+v", r)
				}
			},
		},
		{
			name:  "days imply weekly",
			args:  []string{"Gym", "07:00"},
			flags: map[string]string{"days": "mon,wed,5"},
			check: func(t *testing.T, r rules.Rule) {
				if r.Kind != rules.KindWeekly || !slices.Equal(r.Weekdays, []int{1, 3, 5}) {
					t.Fatalf("rule = %+v", r)
				}
			},
		},
		{
			name:  "disabled flag",
			args:  []string{"Quiet", "07:00"},
			flags: map[string]string{"repeat": "daily"},
			bools: []string{"disabled"},
			check: func(t *testing.T, r rules.Rule) {
				if r.Enabled {
					t.Fatalf("rule should be disabled: %+v", r)
				}
			},
		},
		{name: "bad time", args: []string{"X", "25:00"}, wantErr: true},
		{name: "bad repeat", args: []string{"X", "10:00"}, flags: map[string]string{"repeat": "hourly"}, wantErr: true},
		{name: "bad day", args: []string{"X", "10:00"}, flags: map[string]string{"days": "funday"}, wantErr: true},
		{name: "missing time", args: []string{"X"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newCmdEnv(t, nil)
			err := e.h.add(ctx, e.req(tc.args, tc.flags, tc.bools...))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if n := len(e.rem.State().CustomReminders); n != 0 {
					t.Fatalf("rule stored despite error")
				}
				return
			}
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			tc.check(t, e.rem.State().CustomReminders[0])
		})
	}
}

func TestEditKeepsEnabledState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)
	r, err := e.rem.CreateRule(ctx, rules.Rule{Title: "Read", Time: "21:00", Kind: rules.KindDaily, Alerts: []int{0}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.rem.SetRuleEnabled(ctx, r.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if err := e.h.edit(ctx, e.req([]string{r.ID}, map[string]string{"time": "22:15", "notes": "chapter 3"})); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := e.rem.Rule(r.ID)
	if got.Time != "22:15" || got.Notes != "chapter 3" || got.Enabled || got.Title != "Read" {
		t.Fatalf("edited rule = %+v", got)
	}
	if err := e.h.edit(ctx, e.req([]string{r.ID}, map[string]string{"time": "nope"})); !errors.Is(err, rules.ErrInvalidRule) {
		t.Fatalf("invalid edit err = %v", err)
	}
}

func TestRuleFlagsTouchOnlyNamedFields(t *testing.T) {
	t.Parallel()

	e := newCmdEnv(t, nil)
	apply, err := ruleFlags(e.req(nil, map[string]string{"notes": "bring towel", "alerts": "10,0"}))
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	// Stored state as another command left it after the edit was parsed.
	r := rules.Rule{ID: "x", Title: "Swim", Time: "07:00", Kind: rules.KindWeekly, Weekdays: []int{2, 4}, Enabled: false}
	apply(&r)
	if r.Notes != "bring towel" || !slices.Equal(r.Alerts, []int{10, 0}) {
		t.Fatalf("named fields not applied: %+v", r)
	}
	if r.Title != "Swim" || r.Time != "07:00" || r.Kind != rules.KindWeekly || !slices.Equal(r.Weekdays, []int{2, 4}) || r.Enabled {
		t.Fatalf("unnamed fields changed: %+v", r)
	}

	if _, err := ruleFlags(e.req(nil, map[string]string{"days": "funday"})); err == nil {
		t.Fatalf("bad days accepted")
	}
	if err := e.h.edit(context.Background(), e.req([]string{"missing"}, map[string]string{"notes": "n"})); err == nil || !strings.Contains(err.Error(), "no reminder") {
		t.Fatalf("edit of unknown id err = %v", err)
	}
}

func TestGlobalCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	e := newCmdEnv(t, nil)
	if err := e.h.global(ctx, e.req([]string{"on"}, nil)); err != nil {
		t.Fatalf("global on: %v", err)
	}
	if !e.rem.State().GlobalEnabled || !strings.Contains(e.ad.last(), "Reminders on") {
		t.Fatalf("global not on, reply %q", e.ad.last())
	}
	if err := e.h.global(ctx, e.req([]string{"maybe"}, nil)); err == nil {
		t.Fatalf("expected on/off error")
	}

	d := newCmdEnv(t, deniedDispatcher{})
	err := d.h.global(ctx, d.req([]string{"on"}, nil))
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("denied err = %v", err)
	}
	if d.rem.State().GlobalEnabled {
		t.Fatalf("global must stay off when denied")
	}
}

func TestSystemCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)

	if err := e.h.systemToggle(ctx, e.req([]string{"waterAlert", "on"}, nil)); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !e.rem.State().SystemNotifications[rules.WaterAlert].Enabled {
		t.Fatalf("water alert not enabled")
	}
	if err := e.h.systemToggle(ctx, e.req([]string{"coffeeAlert", "on"}, nil)); !errors.Is(err, rules.ErrUnknownSystemType) {
		t.Fatalf("unknown type err = %v", err)
	}

	if err := e.h.systemInterval(ctx, e.req([]string{"90"}, nil)); !errors.Is(err, rules.ErrInvalidRule) {
		t.Fatalf("interval 90 err = %v", err)
	}
	if err := e.h.systemInterval(ctx, e.req([]string{"60"}, nil)); err != nil {
		t.Fatalf("interval 60: %v", err)
	}
	if got := e.rem.State().SystemNotifications[rules.WaterInterval].Interval; got != 60 {
		t.Fatalf("interval = %d", got)
	}
}

func TestNextCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)
	if err := e.h.next(ctx, e.req([]string{"waterAlert", "3"}, nil)); err != nil {
		t.Fatalf("next: %v", err)
	}
	got := e.ad.last()
	for _, want := range []string{"Mon 2024-01-01 20:00", "Tue 2024-01-02 20:00", "Wed 2024-01-03 20:00"} {
		if !strings.Contains(got, want) {
			t.Fatalf("next reply %q missing %q", got, want)
		}
	}
	if err := e.h.next(ctx, e.req([]string{"waterInterval"}, nil)); err == nil {
		t.Fatalf("interval type has no fixed triggers")
	}
}

func TestGoalCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)

	if err := e.h.goalSet(ctx, e.req([]string{"water", "2000"}, nil)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.h.goalLog(ctx, e.req([]string{"water", "500ml"}, nil)); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := e.h.goalShow(ctx, e.req(nil, nil)); err != nil {
		t.Fatalf("show: %v", err)
	}
	got := e.ad.last()
	if !strings.Contains(got, "500/2000ml (1500ml to go)") || !strings.Contains(got, "0g (no goal set)") {
		t.Fatalf("show reply = %q", got)
	}
	if err := e.h.goalLog(ctx, e.req([]string{"coffee", "1"}, nil)); err == nil {
		t.Fatalf("unknown metric should fail")
	}
	if err := e.h.goalLog(ctx, e.req([]string{"water", "-3"}, nil)); err == nil {
		t.Fatalf("negative amount should fail")
	}
}

func TestExportCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newCmdEnv(t, nil)
	if err := e.h.export(ctx, e.req(nil, nil)); err != nil {
		t.Fatalf("export: %v", err)
	}
	got := e.ad.last()
	if !strings.Contains(got, "<pre><code>Category,Key,Value\nreminders,data,") {
		t.Fatalf("export reply = %q", got)
	}
}

func TestParseDays(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"mon,tue", []int{1, 2}, false},
		{"0,6", []int{0, 6}, false},
		{"Sunday, sun, 0", []int{0}, false},
		{"7", nil, true},
		{"", nil, true},
	}
	for _, tc := range cases {
		got, err := parseDays(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseDays(%q) err = %v", tc.in, err)
			continue
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("parseDays(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDescribeDays(t *testing.T) {
	t.Parallel()

	if got := describeDays([]int{0, 1, 3}); got != "Mon,Wed,Sun" {
		t.Fatalf("describeDays = %q", got)
	}
	if got := describeDays([]int{0, 1, 2, 3, 4, 5, 6}); got != "every day" {
		t.Fatalf("describeDays all = %q", got)
	}
}
