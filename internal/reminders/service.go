package reminders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"reminderd/internal/clock"
	"reminderd/internal/eventbus"
	"reminderd/internal/goals"
	"reminderd/internal/migrate"
	"reminderd/internal/notifier"
	"reminderd/internal/recurrence"
	"reminderd/internal/rules"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

// ErrPermissionDenied is returned when reminders cannot be enabled because
// the delivery channel refuses notifications.
var ErrPermissionDenied = errors.New("notification permission denied")

// Executor is the serial queue every mutation and fire runs on.
type Executor interface {
	Submit(name string, fn engine.Func) error
	Do(ctx context.Context, name string, fn engine.Func) error
}

type Options struct {
	KV         storage.Store
	Exec       Executor
	Clock      clock.Clock
	Dispatcher notifier.Dispatcher
	Goals      goals.Checker
	Log        logx.Logger
	Bus        eventbus.Bus
	Location   *time.Location

	// DefaultEnabledOnFirstRun turns the global switch on when no document
	// existed yet and nothing was migrated.
	DefaultEnabledOnFirstRun bool
}

// Service is the reminder engine: it keeps the live timers in step with the
// stored rules and turns fires into notifications.
type Service struct {
	kv    storage.Store
	exec  Executor
	clock clock.Clock
	disp  notifier.Dispatcher
	goals goals.Checker
	log   logx.Logger
	bus   eventbus.Bus
	opt   Options

	store *rules.Store
	sched *scheduler.Service
	gate  *scheduler.IntervalGate

	mu         sync.Mutex
	loc        *time.Location
	permStatus string
	lastFire   *FireRecord
	migrated   bool
	started    bool
}

func New(opt Options) *Service {
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Dispatcher == nil {
		opt.Dispatcher = notifier.NewLog(opt.Log, opt.Bus)
	}
	s := &Service{
		kv:         opt.KV,
		exec:       opt.Exec,
		clock:      opt.Clock,
		disp:       opt.Dispatcher,
		goals:      opt.Goals,
		log:        opt.Log,
		bus:        opt.Bus,
		opt:        opt,
		loc:        opt.Location,
		permStatus: "unknown",
	}
	s.store = rules.NewStore(opt.KV, opt.Log.With(logx.String("comp", "rules")), s.now)
	s.sched = scheduler.New(scheduler.Options{
		Clock:    opt.Clock,
		Executor: opt.Exec,
		OnFire:   s.onFire,
		Log:      opt.Log.With(logx.String("comp", "scheduler")),
		Bus:      opt.Bus,
		Location: opt.Location,
	})
	s.gate = scheduler.NewGate(string(rules.WaterInterval), opt.Clock, opt.Exec, s.onWaterTick, opt.Log.With(logx.String("comp", "gate")), opt.Bus)
	s.gate.SetLocation(opt.Location)
	return s
}

// Now is the current time in the configured zone.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) now() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return s.clock.Now().In(loc)
}

// Start loads the document, runs the legacy migration and arms every timer.
func (s *Service) Start(ctx context.Context) error {
	return s.exec.Do(ctx, "reminders.start", func(ctx context.Context) error {
		fresh, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		perm := notifier.PermissionCheck{D: s.disp}
		migrated, err := migrate.New(s.kv, s.store, perm, s.log.With(logx.String("comp", "migrate"))).Run(ctx)
		if err != nil {
			s.log.Warn("legacy migration failed", logx.Err(err))
		}
		if migrated {
			eventbus.Publish(s.bus, eventbus.RemindersMigrated, s.store.State().GlobalEnabled)
		}
		if fresh && !migrated && s.opt.DefaultEnabledOnFirstRun && perm.Granted(ctx) {
			if err := s.store.SetGlobal(ctx, true); err != nil {
				return err
			}
			s.log.Info("reminders enabled on first run")
		}

		s.mu.Lock()
		s.migrated = migrated
		s.started = true
		s.mu.Unlock()
		s.rearm()
		st := s.store.State()
		s.log.Info("reminders started",
			logx.Bool("global", st.GlobalEnabled),
			logx.Int("custom", len(st.CustomReminders)),
			logx.Int("live_timers", s.sched.LiveTotal()),
			logx.Bool("migrated", migrated),
		)
		return nil
	})
}

// Stop cancels every timer and the interval gate. The document is untouched.
func (s *Service) Stop(ctx context.Context) error {
	err := s.exec.Do(ctx, "reminders.stop", func(context.Context) error {
		s.sched.CancelAll()
		s.gate.Stop()
		return nil
	})
	if errors.Is(err, engine.ErrStopped) {
		s.sched.CancelAll()
		s.gate.Stop()
		return nil
	}
	return err
}

// rearm brings timers and the gate in line with the document. Executor only.
func (s *Service) rearm() {
	st := s.store.State()
	all := make([]rules.Rule, 0, len(st.CustomReminders)+2)
	all = append(all, st.CustomReminders...)
	for _, t := range rules.SystemTypes() {
		sr, ok := st.SystemNotifications[t]
		if ok && t.TimeBased() {
			all = append(all, systemAsRule(t, sr))
		}
	}
	s.sched.RearmAll(all, st.GlobalEnabled)

	wi, ok := st.SystemNotifications[rules.WaterInterval]
	if !st.GlobalEnabled || !ok || !wi.Enabled {
		s.gate.Stop()
		return
	}
	cfg, err := scheduler.GateConfigFrom(wi)
	if err != nil {
		s.log.Warn("water interval not started", logx.Err(err))
		s.gate.Stop()
		return
	}
	s.gate.Start(cfg)
}

// mutate runs fn on the executor, then rearms and announces the change
// when fn succeeded.
func (s *Service) mutate(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return s.exec.Do(ctx, name, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		s.rearm()
		eventbus.Publish(s.bus, eventbus.RemindersChanged, name)
		return nil
	})
}

func (s *Service) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	var out rules.Rule
	err := s.mutate(ctx, "reminders.create", func(ctx context.Context) error {
		var err error
		out, err = s.store.Create(ctx, r)
		return err
	})
	return out, err
}

func (s *Service) UpdateRule(ctx context.Context, id string, patch func(*rules.Rule)) (rules.Rule, error) {
	var out rules.Rule
	err := s.mutate(ctx, "reminders.update", func(ctx context.Context) error {
		var err error
		out, err = s.store.Update(ctx, id, patch)
		return err
	})
	return out, err
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.mutate(ctx, "reminders.delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, id)
	})
}

func (s *Service) SetRuleEnabled(ctx context.Context, id string, on bool) (rules.Rule, error) {
	var out rules.Rule
	err := s.mutate(ctx, "reminders.set_enabled", func(ctx context.Context) error {
		var err error
		out, err = s.store.SetEnabled(ctx, id, on)
		return err
	})
	return out, err
}

// SetGlobalEnabled flips the master switch. Turning it on checks the
// delivery permission first and sends a test notification; a denied
// permission leaves reminders off and returns ErrPermissionDenied.
func (s *Service) SetGlobalEnabled(ctx context.Context, on bool) error {
	return s.exec.Do(ctx, "reminders.global", func(ctx context.Context) error {
		if !on {
			if err := s.store.SetGlobal(ctx, false); err != nil {
				return err
			}
			s.rearm()
			eventbus.Publish(s.bus, eventbus.RemindersChanged, "reminders.global")
			s.log.Info("reminders disabled")
			return nil
		}

		if s.disp.Permission(ctx) == notifier.PermissionDenied {
			s.setPermStatus("denied: the chat refuses notifications")
			return ErrPermissionDenied
		}
		if err := s.store.SetGlobal(ctx, true); err != nil {
			return err
		}
		s.rearm()
		eventbus.Publish(s.bus, eventbus.RemindersChanged, "reminders.global")

		res := s.disp.Dispatch(ctx, notifier.Message{Title: "Reminders Active", Body: "Your reminders are now working!"})
		if res.PermissionDenied() {
			s.deny(ctx)
			return ErrPermissionDenied
		}
		if res.Delivered() {
			s.setPermStatus("granted")
		}
		s.log.Info("reminders enabled", logx.String("test_notification", string(res.Outcome)))
		return nil
	})
}

func (s *Service) ToggleSystem(ctx context.Context, t rules.SystemType, on bool) (rules.SystemRule, error) {
	var out rules.SystemRule
	err := s.mutate(ctx, "reminders.system_toggle", func(ctx context.Context) error {
		var err error
		out, err = s.store.ToggleSystem(ctx, t, on)
		return err
	})
	return out, err
}

func (s *Service) UpdateSystem(ctx context.Context, t rules.SystemType, patch func(*rules.SystemRule)) (rules.SystemRule, error) {
	var out rules.SystemRule
	err := s.mutate(ctx, "reminders.system_update", func(ctx context.Context) error {
		var err error
		out, err = s.store.UpdateSystem(ctx, t, patch)
		return err
	})
	return out, err
}

// Export writes the document as the single-row CSV export.
func (s *Service) Export(w io.Writer) error {
	return rules.WriteCSV(w, s.store.State())
}

// Import replaces the whole document with the reminders row of a CSV export.
func (s *Service) Import(ctx context.Context, r io.Reader) (rules.State, error) {
	rows, err := rules.ReadCSV(r)
	if err != nil {
		return rules.State{}, err
	}
	st, err := rules.ImportRows(rows, s.log)
	if err != nil {
		return rules.State{}, err
	}
	err = s.mutate(ctx, "reminders.import", func(ctx context.Context) error {
		return s.store.Replace(ctx, st)
	})
	if err != nil {
		return rules.State{}, err
	}
	s.log.Info("reminders imported", logx.Int("custom", len(st.CustomReminders)), logx.Bool("global", st.GlobalEnabled))
	return st.Clone(), nil
}

// SetLocation switches the wall clock all rules are evaluated in and rearms.
func (s *Service) SetLocation(ctx context.Context, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	return s.exec.Do(ctx, "reminders.location", func(context.Context) error {
		s.mu.Lock()
		same := s.loc.String() == loc.String()
		s.loc = loc
		started := s.started
		s.mu.Unlock()
		if same {
			return nil
		}
		s.sched.SetLocation(loc)
		s.gate.SetLocation(loc)
		if started {
			s.rearm()
		}
		s.log.Info("timezone changed", logx.String("tz", loc.String()))
		return nil
	})
}

// State returns a copy of the document.
func (s *Service) State() rules.State { return s.store.State() }

// Rule looks up a custom rule.
func (s *Service) Rule(id string) (rules.Rule, bool) { return s.store.Rule(id) }

// NextTriggers previews the next n occurrences of a custom rule or of a
// time-based system notification ("system:<type>" or the bare type).
func (s *Service) NextTriggers(id string, n int) ([]time.Time, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return recurrence.Preview(r, s.now(), n), nil
}

func (s *Service) lookup(id string) (rules.Rule, error) {
	if r, ok := s.store.Rule(id); ok {
		return r, nil
	}
	t, ok := parseSystemRuleID(id)
	if !ok {
		t, ok = rules.ParseSystemType(id)
	}
	if !ok {
		return rules.Rule{}, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	}
	if !t.TimeBased() {
		return rules.Rule{}, fmt.Errorf("%s runs on an interval, not at fixed times", t)
	}
	sr := s.store.State().SystemNotifications[t]
	return systemAsRule(t, sr), nil
}

func (s *Service) setPermStatus(v string) {
	s.mu.Lock()
	s.permStatus = v
	s.mu.Unlock()
}
