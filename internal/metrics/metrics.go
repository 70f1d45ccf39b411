// Package metrics defines the Prometheus collectors of reminderd.
//
// Collectors are registered on Registry, which the observability HTTP
// server exposes on /metrics. Names carry the reminderd_ prefix and
// counters end in _total.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every reminderd collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// FiresTotal counts timer fires by rule kind (custom kinds or the system type).
	FiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminderd_fires_total",
			Help: "Total reminder timer fires by kind.",
		},
		[]string{"kind"},
	)

	// DispatchTotal counts dispatch results by outcome and reason.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminderd_dispatch_total",
			Help: "Total notification dispatches by outcome.",
		},
		[]string{"outcome", "reason"},
	)

	// LiveTimers is the number of armed wall-clock timers.
	LiveTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reminderd_live_timers",
			Help: "Number of live reminder timers.",
		},
	)

	// RearmTotal counts full rearm passes.
	RearmTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminderd_rearm_total",
			Help: "Total full rearm passes.",
		},
	)

	// GateTicksTotal counts interval gate ticks by result (dispatched, skipped).
	GateTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminderd_gate_ticks_total",
			Help: "Total interval gate ticks by result.",
		},
		[]string{"result"},
	)

	// FireLagSeconds is the delay between the scheduled and actual fire instant.
	FireLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminderd_fire_lag_seconds",
			Help:    "Seconds between a timer's due instant and its execution.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 3600},
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FiresTotal,
		DispatchTotal,
		LiveTimers,
		RearmTotal,
		GateTicksTotal,
		FireLagSeconds,
	)
}

// RecordFire records one timer fire and how late it ran.
func RecordFire(kind string, lag time.Duration) {
	FiresTotal.WithLabelValues(kind).Inc()
	if lag < 0 {
		lag = 0
	}
	FireLagSeconds.Observe(lag.Seconds())
}

// RecordDispatch records one dispatch result. reason may be empty.
func RecordDispatch(outcome, reason string) {
	DispatchTotal.WithLabelValues(outcome, reason).Inc()
}

func SetLiveTimers(n int) {
	LiveTimers.Set(float64(n))
}

func RecordRearm() {
	RearmTotal.Inc()
}

// RecordGateTick records an interval gate tick; dispatched=false means the
// tick fell outside the active days or window.
func RecordGateTick(dispatched bool) {
	if dispatched {
		GateTicksTotal.WithLabelValues("dispatched").Inc()
		return
	}
	GateTicksTotal.WithLabelValues("skipped").Inc()
}
