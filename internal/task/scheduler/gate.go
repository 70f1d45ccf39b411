package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/clock"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	"reminderd/internal/rules"
	logx "reminderd/pkg/logx"
)

// GateConfig is a periodic check that only passes on listed weekdays
// inside an inclusive minute-of-day window.
type GateConfig struct {
	Interval time.Duration
	Days     []int
	Start    int // minute of day
	End      int
}

func (c GateConfig) Equal(o GateConfig) bool {
	return c.Interval == o.Interval && c.Start == o.Start && c.End == o.End && slices.Equal(c.Days, o.Days)
}

// GateConfigFrom converts a water interval system rule.
func GateConfigFrom(sr rules.SystemRule) (GateConfig, error) {
	if sr.Interval <= 0 {
		return GateConfig{}, fmt.Errorf("interval must be positive, got %d", sr.Interval)
	}
	if sr.ActiveWindow == nil {
		return GateConfig{}, fmt.Errorf("active window required")
	}
	start, err := rules.MinuteOfDay(sr.ActiveWindow.Start)
	if err != nil {
		return GateConfig{}, err
	}
	end, err := rules.MinuteOfDay(sr.ActiveWindow.End)
	if err != nil {
		return GateConfig{}, err
	}
	if start > end {
		return GateConfig{}, fmt.Errorf("window %s-%s is inverted", sr.ActiveWindow.Start, sr.ActiveWindow.End)
	}
	days := slices.Clone(sr.Days)
	slices.Sort(days)
	return GateConfig{
		Interval: time.Duration(sr.Interval) * time.Minute,
		Days:     slices.Compact(days),
		Start:    start,
		End:      end,
	}, nil
}

// Allowed reports whether a tick at now passes the gate.
func Allowed(cfg GateConfig, now time.Time) bool {
	if !slices.Contains(cfg.Days, int(now.Weekday())) {
		return false
	}
	mod := now.Hour()*60 + now.Minute()
	return cfg.Start <= mod && mod <= cfg.End
}

// TickFunc runs on the executor for every tick that passes the gate.
type TickFunc func(ctx context.Context, now time.Time)

type GateInfo struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	NextTick time.Time     `json:"next_tick,omitempty"`
	Ticks    uint64        `json:"ticks"`
	Passed   uint64        `json:"passed"`
}

// IntervalGate ticks every cfg.Interval. Missed ticks are not replayed: a
// tick that runs late schedules the following one from the current time.
type IntervalGate struct {
	name  string
	clock clock.Clock
	exec  Executor
	onOK  TickFunc
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	loc     *time.Location
	cfg     GateConfig
	sched   cron.ConstantDelaySchedule
	running bool
	gen     uint64
	timer   clock.Timer
	due     time.Time
	ticks   uint64
	passed  uint64
}

func NewGate(name string, clk clock.Clock, exec Executor, onOK TickFunc, log logx.Logger, bus eventbus.Bus) *IntervalGate {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &IntervalGate{name: name, clock: clk, exec: exec, onOK: onOK, log: log, bus: bus, loc: time.Local}
}

func (g *IntervalGate) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	g.mu.Lock()
	g.loc = loc
	g.mu.Unlock()
}

// Start begins ticking. Calling it again with the same config keeps the
// current cadence; a different interval, day set or window restarts it.
func (g *IntervalGate) Start(cfg GateConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running && g.cfg.Equal(cfg) {
		return
	}
	g.stopLocked()
	g.cfg = cfg
	g.sched = cron.Every(cfg.Interval)
	g.running = true
	g.due = g.clock.Now()
	g.armLocked()
	g.log.Info("interval gate started",
		logx.String("gate", g.name),
		logx.Duration("every", cfg.Interval),
		logx.Time("first_tick", g.due),
	)
}

func (g *IntervalGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.stopLocked()
	g.log.Info("interval gate stopped", logx.String("gate", g.name))
}

func (g *IntervalGate) stopLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.running = false
}

func (g *IntervalGate) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *IntervalGate) Info() GateInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := GateInfo{Running: g.running, Interval: g.cfg.Interval, Ticks: g.ticks, Passed: g.passed}
	if g.running {
		info.NextTick = g.due
	}
	return info
}

// armLocked schedules the tick after g.due, or after now if that is already
// past.
func (g *IntervalGate) armLocked() {
	now := g.clock.Now()
	next := g.sched.Next(g.due)
	if !next.After(now) {
		next = g.sched.Next(now)
	}
	g.due = next
	gen := g.gen
	g.timer = g.clock.AfterFunc(next.Sub(now), func() {
		if g.exec == nil {
			return
		}
		err := g.exec.Submit("gate:"+g.name, func(ctx context.Context) error {
			g.tick(ctx, gen)
			return nil
		})
		if err != nil {
			g.log.Warn("gate tick not queued", logx.String("gate", g.name), logx.Err(err))
		}
	})
}

func (g *IntervalGate) tick(ctx context.Context, gen uint64) {
	g.mu.Lock()
	if !g.running || gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.ticks++
	cfg := g.cfg
	now := g.clock.Now().In(g.loc)
	g.armLocked()
	ok := Allowed(cfg, now)
	if ok {
		g.passed++
	}
	g.mu.Unlock()

	metrics.RecordGateTick(ok)
	eventbus.Publish(g.bus, eventbus.GateTick, map[string]any{"gate": g.name, "passed": ok})
	if !ok {
		g.log.Debug("gate tick outside window", logx.String("gate", g.name), logx.Time("now", now))
		return
	}
	if g.onOK != nil {
		g.onOK(ctx, now)
	}
}
