package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestRecordFire(t *testing.T) {
	before := getCounterValue(FiresTotal, "weekly")
	RecordFire("weekly", 2*time.Second)
	RecordFire("weekly", -time.Second)
	if got := getCounterValue(FiresTotal, "weekly") - before; got != 2 {
		t.Fatalf("fires delta=%v, want 2", got)
	}
}

func TestRecordDispatchAndGate(t *testing.T) {
	before := getCounterValue(DispatchTotal, "suppressed", "permission_denied")
	RecordDispatch("suppressed", "permission_denied")
	if got := getCounterValue(DispatchTotal, "suppressed", "permission_denied") - before; got != 1 {
		t.Fatalf("dispatch delta=%v", got)
	}

	skipped := getCounterValue(GateTicksTotal, "skipped")
	RecordGateTick(false)
	if got := getCounterValue(GateTicksTotal, "skipped") - skipped; got != 1 {
		t.Fatalf("skipped delta=%v", got)
	}
}

func TestSetLiveTimers(t *testing.T) {
	SetLiveTimers(7)
	if got := getGaugeValue(LiveTimers); got != 7 {
		t.Fatalf("live=%v", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	RecordRearm()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "reminderd_rearm_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reminderd_rearm_total not gathered")
	}
}
