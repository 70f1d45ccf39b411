package reminders

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reminderd/internal/clock"
	"reminderd/internal/goals"
	"reminderd/internal/migrate"
	"reminderd/internal/notifier"
	"reminderd/internal/rules"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	perm    notifier.Permission
	results []notifier.Result // consumed per Dispatch; empty means delivered
	sent    []notifier.Message
}

func (d *fakeDispatcher) Dispatch(_ context.Context, m notifier.Message) notifier.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, m)
	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		return r
	}
	return notifier.Result{Outcome: notifier.Delivered, Attempts: 1}
}

func (d *fakeDispatcher) Permission(context.Context) notifier.Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perm == "" {
		return notifier.PermissionGranted
	}
	return d.perm
}

func (d *fakeDispatcher) messages() []notifier.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notifier.Message(nil), d.sent...)
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	d.sent = nil
	d.mu.Unlock()
}

type fakeGoals struct {
	status goals.Status
	err    error
}

func (g *fakeGoals) Status(context.Context, goals.Metric) (goals.Status, error) {
	return g.status, g.err
}

var denied = notifier.Result{Outcome: notifier.Suppressed, Reason: notifier.ReasonPermissionDenied, Attempts: 1}

type env struct {
	svc   *Service
	clk   *clock.Fake
	kv    storage.Store
	disp  *fakeDispatcher
	goals *fakeGoals
}

// Monday 2024-01-01 08:00 UTC.
var monday8 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, kv storage.Store, mod func(*Options)) *env {
	t.Helper()
	if kv == nil {
		kv = storage.NewMemory()
	}
	e := &env{clk: clock.NewFake(monday8), kv: kv, disp: &fakeDispatcher{}, goals: &fakeGoals{}}
	opt := Options{
		KV:         kv,
		Exec:       engine.NewInline(logx.Nop(), nil),
		Clock:      e.clk,
		Dispatcher: e.disp,
		Goals:      e.goals,
		Location:   time.UTC,
	}
	if mod != nil {
		mod(&opt)
	}
	e.svc = New(opt)
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	if err := e.svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (e *env) enable(t *testing.T) {
	t.Helper()
	if err := e.svc.SetGlobalEnabled(context.Background(), true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	e.disp.reset()
}

func stretch() rules.Rule {
	return rules.Rule{Title: "Stretch", Time: "09:00", Kind: rules.KindDaily, Alerts: []int{0, 15}}
}

func TestStartMigratesLegacyKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storage.NewMemory()
	for k, v := range map[string]string{
		migrate.KeyGlobal:     "true",
		migrate.KeyWaterAlert: "true",
	} {
		if err := kv.Put(ctx, k, []byte(v)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	e := newEnv(t, kv, nil)
	e.start(t)

	st := e.svc.State()
	if !st.GlobalEnabled || !st.SystemNotifications[rules.WaterAlert].Enabled {
		t.Fatalf("state=%+v", st)
	}
	status := e.svc.Status(ctx)
	if !status.Migrated || status.LiveTimers != 1 {
		t.Fatalf("status=%+v", status)
	}
	if _, err := kv.Get(ctx, migrate.KeyGlobal); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("legacy key survived: %v", err)
	}
}

func TestStartFirstRunDefault(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		perm notifier.Permission
		want bool
	}{
		{"granted", notifier.PermissionGranted, true},
		{"unknown", notifier.PermissionUnknown, true},
		{"denied", notifier.PermissionDenied, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, nil, func(o *Options) { o.DefaultEnabledOnFirstRun = true })
			e.disp.perm = tc.perm
			e.start(t)
			if got := e.svc.State().GlobalEnabled; got != tc.want {
				t.Fatalf("global=%v want %v", got, tc.want)
			}
		})
	}
}

func TestCustomRuleFiresEveryAlertAndRearms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)
	e.enable(t)

	r, err := e.svc.CreateRule(ctx, stretch())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := e.svc.sched.Live(r.ID); got != 2 {
		t.Fatalf("live=%d want 2", got)
	}

	e.clk.Advance(45 * time.Minute)
	msgs := e.disp.messages()
	if len(msgs) != 1 || msgs[0].Body != "Reminder in 15 minutes: Stretch" || msgs[0].RuleID != r.ID {
		t.Fatalf("msgs=%+v", msgs)
	}

	e.clk.Advance(15 * time.Minute)
	msgs = e.disp.messages()
	if len(msgs) != 2 || msgs[1].Body != "Stretch" {
		t.Fatalf("msgs=%+v", msgs)
	}
	if got := e.svc.sched.Live(r.ID); got != 2 {
		t.Fatalf("after rearm live=%d want 2", got)
	}

	st := e.svc.Status(ctx)
	if st.LastFire == nil || st.LastFire.RuleID != r.ID || st.LastFire.Outcome != notifier.Delivered {
		t.Fatalf("last fire=%+v", st.LastFire)
	}
	if len(st.Next) != 1 || st.Next[0].ID != r.ID {
		t.Fatalf("next=%+v", st.Next)
	}
}

func TestDisabledRuleAndGlobalOffArmNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)

	r, err := e.svc.CreateRule(ctx, stretch())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := e.svc.sched.LiveTotal(); n != 0 {
		t.Fatalf("global off: live=%d", n)
	}

	e.enable(t)
	if _, err := e.svc.SetRuleEnabled(ctx, r.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if n := e.svc.sched.LiveTotal(); n != 0 {
		t.Fatalf("rule off: live=%d", n)
	}
	if err := e.svc.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	e.clk.Advance(24 * time.Hour)
	if msgs := e.disp.messages(); len(msgs) != 0 {
		t.Fatalf("msgs=%+v", msgs)
	}
}

func TestGoalAlert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		message  string
		onlyIf   bool
		status   goals.Status
		err      error
		wantBody string // empty means no alert
	}{
		{
			name:     "shortfall",
			onlyIf:   true,
			status:   goals.Status{Goal: 2000, Total: 500, Remaining: 1500},
			wantBody: "You're 1500ml short of your daily water goal. Time to hydrate!",
		},
		{
			name:    "met",
			onlyIf:  true,
			status:  goals.Status{Met: true, Goal: 2000, Total: 2100},
			message: "drink",
		},
		{
			name:   "no goal",
			onlyIf: true,
		},
		{
			name:     "query fails open",
			onlyIf:   true,
			err:      errors.New("db down"),
			wantBody: "Don't forget your daily water goal!",
		},
		{
			name:     "unconditional",
			message:  "Log your water",
			status:   goals.Status{Met: true, Goal: 2000, Total: 2100},
			wantBody: "Log your water",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			e := newEnv(t, nil, nil)
			e.goals.status, e.goals.err = tc.status, tc.err
			e.start(t)
			e.enable(t)
			_, err := e.svc.UpdateSystem(ctx, rules.WaterAlert, func(sr *rules.SystemRule) {
				sr.Enabled = true
				sr.Time = "09:00"
				sr.Message = tc.message
				sr.OnlyIfGoalNotMet = tc.onlyIf
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}

			e.clk.Advance(time.Hour)
			msgs := e.disp.messages()
			if tc.wantBody == "" {
				if len(msgs) != 0 {
					t.Fatalf("expected no alert, got %+v", msgs)
				}
				return
			}
			if len(msgs) != 1 || msgs[0].Body != tc.wantBody || msgs[0].Title != "Water Intake Alert" {
				t.Fatalf("msgs=%+v", msgs)
			}
			if msgs[0].RuleID != SystemRuleID(rules.WaterAlert) {
				t.Fatalf("rule id=%q", msgs[0].RuleID)
			}
		})
	}
}

func TestWaterIntervalOnlyBelowGoal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.goals.status = goals.Status{Goal: 2000, Total: 100, Remaining: 1900}
	e.start(t)
	e.enable(t)
	if _, err := e.svc.ToggleSystem(ctx, rules.WaterInterval, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !e.svc.gate.Running() {
		t.Fatalf("gate not running")
	}

	e.clk.Advance(2 * time.Hour)
	msgs := e.disp.messages()
	if len(msgs) != 1 || msgs[0].Title != "Water Reminder" || msgs[0].Body != "Time to drink water!" {
		t.Fatalf("msgs=%+v", msgs)
	}

	e.goals.status = goals.Status{Met: true, Goal: 2000, Total: 2000}
	e.clk.Advance(2 * time.Hour)
	if got := len(e.disp.messages()); got != 1 {
		t.Fatalf("goal met still sent: %d", got)
	}

	if err := e.svc.SetGlobalEnabled(ctx, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if e.svc.gate.Running() {
		t.Fatalf("gate should stop with the global switch")
	}
}

func TestDeniedDeliveryTurnsEverythingOff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)
	e.enable(t)
	if _, err := e.svc.CreateRule(ctx, stretch()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.svc.ToggleSystem(ctx, rules.WaterInterval, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	e.disp.results = []notifier.Result{denied}
	e.clk.Advance(45 * time.Minute)

	st := e.svc.Status(ctx)
	if st.GlobalEnabled || st.LiveTimers != 0 || st.Gate.Running {
		t.Fatalf("status=%+v", st)
	}
	if !strings.HasPrefix(st.PermissionStatus, "denied") {
		t.Fatalf("permission status=%q", st.PermissionStatus)
	}

	// The switch stays off across restarts.
	again := newEnv(t, e.kv, nil)
	again.start(t)
	if again.svc.State().GlobalEnabled {
		t.Fatalf("global re-enabled after restart")
	}
}

func TestSetGlobalEnabledPermission(t *testing.T) {
	t.Parallel()

	t.Run("denied up front", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil, nil)
		e.start(t)
		e.disp.perm = notifier.PermissionDenied
		err := e.svc.SetGlobalEnabled(context.Background(), true)
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("err=%v", err)
		}
		if e.svc.State().GlobalEnabled || len(e.disp.messages()) != 0 {
			t.Fatalf("nothing should change")
		}
	})

	t.Run("test notification refused", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil, nil)
		e.start(t)
		e.disp.results = []notifier.Result{denied}
		err := e.svc.SetGlobalEnabled(context.Background(), true)
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("err=%v", err)
		}
		if e.svc.State().GlobalEnabled {
			t.Fatalf("global should be off")
		}
	})

	t.Run("granted", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil, nil)
		e.start(t)
		if err := e.svc.SetGlobalEnabled(context.Background(), true); err != nil {
			t.Fatalf("err=%v", err)
		}
		msgs := e.disp.messages()
		if len(msgs) != 1 || msgs[0].Title != "Reminders Active" {
			t.Fatalf("msgs=%+v", msgs)
		}
		if st := e.svc.Status(context.Background()); st.PermissionStatus != "granted" {
			t.Fatalf("permission status=%q", st.PermissionStatus)
		}
	})
}

func TestExportImport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newEnv(t, nil, nil)
	src.start(t)
	src.enable(t)
	r, err := src.svc.CreateRule(ctx, stretch())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var buf bytes.Buffer
	if err := src.svc.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newEnv(t, nil, nil)
	dst.start(t)
	st, err := dst.svc.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !st.GlobalEnabled || len(st.CustomReminders) != 1 || st.CustomReminders[0].ID != r.ID {
		t.Fatalf("imported=%+v", st)
	}
	if got := dst.svc.sched.Live(r.ID); got != 2 {
		t.Fatalf("imported rule not armed: live=%d", got)
	}

	if _, err := dst.svc.Import(ctx, strings.NewReader("Category,Key,Value\nfood,x,1\n")); !errors.Is(err, rules.ErrNoReminderRow) {
		t.Fatalf("err=%v", err)
	}
}

func TestNextTriggers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)
	r, err := e.svc.CreateRule(ctx, stretch())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := e.svc.NextTriggers(r.ID, 3)
	if err != nil || len(got) != 3 {
		t.Fatalf("got=%v err=%v", got, err)
	}
	if !got[0].Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)) || !got[2].Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("got=%v", got)
	}

	for _, id := range []string{"system:waterAlert", "proteinAlert"} {
		if ts, err := e.svc.NextTriggers(id, 1); err != nil || len(ts) != 1 || ts[0].Hour() != 20 {
			t.Fatalf("%s: %v %v", id, ts, err)
		}
	}
	if _, err := e.svc.NextTriggers("waterInterval", 1); err == nil {
		t.Fatalf("interval type should not preview")
	}
	if _, err := e.svc.NextTriggers("nope", 1); !errors.Is(err, rules.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestSetLocationRearms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)
	e.enable(t)
	r, err := e.svc.CreateRule(ctx, rules.Rule{Title: "Pills", Time: "09:00", Kind: rules.KindDaily, Alerts: []int{0}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	next, ok := e.svc.sched.Next(r.ID)
	if !ok || !next.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("next=%v", next)
	}

	// 08:00 UTC is 10:00 at UTC+2, so today's 09:00 has passed.
	plus2 := time.FixedZone("UTC+2", 2*60*60)
	if err := e.svc.SetLocation(ctx, plus2); err != nil {
		t.Fatalf("set location: %v", err)
	}
	next, ok = e.svc.sched.Next(r.ID)
	if !ok || !next.Equal(time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("next=%v", next.UTC())
	}
	if tz := e.svc.Status(ctx).Timezone; tz != "UTC+2" {
		t.Fatalf("timezone=%q", tz)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.start(t)
	e.enable(t)
	if _, err := e.svc.CreateRule(ctx, stretch()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.svc.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	e.clk.Advance(2 * time.Hour)
	if msgs := e.disp.messages(); len(msgs) != 0 {
		t.Fatalf("msgs=%+v", msgs)
	}
	if !e.svc.State().GlobalEnabled {
		t.Fatalf("stop must not touch the document")
	}
}

func TestRenderAndNextText(t *testing.T) {
	t.Parallel()

	r := rules.Rule{ID: "a", Title: "Call mom", Notes: "Birthday"}
	cases := []struct {
		offset int
		want   string
	}{
		{0, "Birthday"},
		{1, "Reminder in 1 minute: Birthday"},
		{60, "Reminder in 1 hour: Birthday"},
		{1440, "Reminder in 24 hours: Birthday"},
	}
	for _, tc := range cases {
		if got := Render(r, tc.offset).Body; got != tc.want {
			t.Fatalf("offset %d: %q want %q", tc.offset, got, tc.want)
		}
	}

	now := monday8
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Minute, "soon"},
		{3 * time.Hour, "in 3 hours"},
		{49 * time.Hour, "in 2 days"},
	} {
		if got := NextText(now.Add(tc.d), now); got != tc.want {
			t.Fatalf("%v: %q want %q", tc.d, got, tc.want)
		}
	}
}
