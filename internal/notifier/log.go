package notifier

import (
	"context"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	logx "reminderd/pkg/logx"
)

// LogDispatcher writes reminders to the log. It is the fallback when no chat
// transport is configured and always reports Delivered.
type LogDispatcher struct {
	log logx.Logger
	bus eventbus.Bus
}

func NewLog(log logx.Logger, bus eventbus.Bus) *LogDispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogDispatcher{log: log, bus: bus}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, m Message) Result {
	_ = ctx
	d.log.Info("reminder", logx.String("rule", m.RuleID), logx.String("title", m.Title), logx.String("body", m.Body))
	metrics.RecordDispatch(string(Delivered), "")
	eventbus.Publish(d.bus, eventbus.NotifierSent, DispatchEvent{RuleID: m.RuleID, Title: m.Title, Outcome: Delivered, Attempts: 1, At: time.Now()})
	return Result{Outcome: Delivered, Attempts: 1}
}

func (d *LogDispatcher) Permission(ctx context.Context) Permission {
	_ = ctx
	return PermissionGranted
}
