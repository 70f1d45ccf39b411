package scheduler

import (
	"context"
	"testing"
	"time"

	"reminderd/internal/clock"
	"reminderd/internal/rules"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

func TestAllowed(t *testing.T) {
	t.Parallel()

	cfg := GateConfig{Interval: time.Hour, Days: []int{1, 2, 3, 4, 5}, Start: 8 * 60, End: 22 * 60}
	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"monday inside", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), true},
		{"window start inclusive", time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), true},
		{"window end inclusive", time.Date(2024, 1, 1, 22, 0, 59, 0, time.UTC), true},
		{"after window", time.Date(2024, 1, 1, 22, 1, 0, 0, time.UTC), false},
		{"before window", time.Date(2024, 1, 1, 7, 59, 0, 0, time.UTC), false},
		{"sunday", time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(cfg, tc.now); got != tc.want {
				t.Fatalf("Allowed=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestGateConfigFrom(t *testing.T) {
	t.Parallel()

	def, _ := rules.DefaultSystem(rules.WaterInterval)
	cfg, err := GateConfigFrom(def)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if cfg.Interval != 2*time.Hour || cfg.Start != 480 || cfg.End != 1320 || len(cfg.Days) != 7 {
		t.Fatalf("cfg=%+v", cfg)
	}
	def.ActiveWindow = &rules.Window{Start: "23:00", End: "01:00"}
	if _, err := GateConfigFrom(def); err == nil {
		t.Fatalf("inverted window accepted")
	}
}

func TestGateTicksOnlyInsideWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC))
	var got []time.Time
	g := NewGate("water", clk, engine.NewInline(logx.Nop(), nil), func(_ context.Context, now time.Time) {
		got = append(got, now)
	}, logx.Nop(), nil)
	g.SetLocation(time.UTC)

	cfg := GateConfig{Interval: time.Hour, Days: []int{0, 1, 2, 3, 4, 5, 6}, Start: 8 * 60, End: 9 * 60}
	g.Start(cfg)
	clk.Advance(3 * time.Hour)

	if len(got) != 1 || !got[0].Equal(time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("passed ticks=%v", got)
	}
	info := g.Info()
	if info.Ticks != 3 || info.Passed != 1 {
		t.Fatalf("info=%+v", info)
	}

	pending := clk.Pending()
	g.Start(cfg)
	if p := clk.Pending(); len(p) != 1 || !p[0].Equal(pending[0]) {
		t.Fatalf("same config restarted the tick: %v -> %v", pending, p)
	}

	cfg.Interval = 2 * time.Hour
	g.Start(cfg)
	if p := clk.Pending(); len(p) != 1 || !p[0].Equal(clk.Now().Add(2*time.Hour)) {
		t.Fatalf("changed cadence not restarted: %v", p)
	}

	g.Stop()
	if g.Running() || len(clk.Pending()) != 0 {
		t.Fatalf("stopped gate still ticking")
	}
}

func TestGateDoesNotReplayMissedTicks(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	q := &queueExec{}
	n := 0
	g := NewGate("water", clk, q, func(context.Context, time.Time) { n++ }, logx.Nop(), nil)
	g.SetLocation(time.UTC)
	g.Start(GateConfig{Interval: time.Hour, Days: []int{0, 1, 2, 3, 4, 5, 6}, Start: 0, End: 24*60 - 1})

	clk.Advance(5 * time.Hour)
	q.run()
	if n != 1 {
		t.Fatalf("ticks=%d, want 1", n)
	}
	p := clk.Pending()
	if len(p) != 1 || !p[0].Equal(time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("next tick=%v", p)
	}
}
