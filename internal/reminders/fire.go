package reminders

import (
	"context"
	"errors"
	"strings"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/goals"
	"reminderd/internal/notifier"
	"reminderd/internal/rules"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

var errNoGoals = errors.New("no goal source configured")

// FireRecord is the last notification attempt, shown in the status.
type FireRecord struct {
	RuleID  string           `json:"rule_id"`
	Title   string           `json:"title"`
	At      time.Time        `json:"at"`
	Outcome notifier.Outcome `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
}

// onFire handles one due timer on the executor.
func (s *Service) onFire(ctx context.Context, f scheduler.Fire) {
	if t, ok := parseSystemRuleID(f.Rule.ID); ok {
		s.fireGoalAlert(ctx, t)
		return
	}
	s.deliver(ctx, Render(f.Rule, f.Offset))
}

// fireGoalAlert sends a water or protein goal alert. With onlyIfGoalNotMet
// the goal is queried first and a met (or unset) goal skips the alert; a
// failing query sends it anyway.
func (s *Service) fireGoalAlert(ctx context.Context, t rules.SystemType) {
	st := s.store.State()
	sr, ok := st.SystemNotifications[t]
	if !ok || !sr.Enabled || !st.GlobalEnabled {
		return
	}

	body := strings.TrimSpace(sr.Message)
	status, err := s.goalStatus(ctx, t)
	switch {
	case err != nil:
		s.log.Warn("goal query failed; sending alert", logx.String("type", string(t)), logx.Err(err))
	case sr.OnlyIfGoalNotMet && (status.Met || status.Goal <= 0):
		s.log.Debug("goal alert skipped",
			logx.String("type", string(t)),
			logx.Bool("met", status.Met),
			logx.Float64("goal", status.Goal),
		)
		return
	case body == "" && status.Goal > 0:
		body = shortfallBody(t, status.Remaining)
	}
	if body == "" {
		def, _ := rules.DefaultSystem(t)
		body = def.Message
	}
	s.deliver(ctx, notifier.Message{Title: SystemTitle(t), Body: body, RuleID: SystemRuleID(t)})
}

// onWaterTick runs for every interval gate tick inside the active window.
func (s *Service) onWaterTick(ctx context.Context, now time.Time) {
	st := s.store.State()
	sr, ok := st.SystemNotifications[rules.WaterInterval]
	if !ok || !sr.Enabled || !st.GlobalEnabled {
		return
	}
	if sr.OnlyIfBelowGoal {
		status, err := s.goalStatus(ctx, rules.WaterInterval)
		if err != nil {
			s.log.Warn("goal query failed; sending water reminder", logx.Err(err))
		} else if status.Met {
			s.log.Debug("water reminder skipped; goal met", logx.Time("at", now))
			return
		}
	}
	body := strings.TrimSpace(sr.Message)
	if body == "" {
		body = waterIntervalFallback
	}
	s.deliver(ctx, notifier.Message{
		Title:  SystemTitle(rules.WaterInterval),
		Body:   body,
		RuleID: SystemRuleID(rules.WaterInterval),
	})
}

func (s *Service) goalStatus(ctx context.Context, t rules.SystemType) (goals.Status, error) {
	metric, ok := metricFor(t)
	if s.goals == nil || !ok {
		return goals.Status{}, errNoGoals
	}
	return s.goals.Status(ctx, metric)
}

// deliver dispatches m and records the outcome. A refused delivery turns
// reminders off.
func (s *Service) deliver(ctx context.Context, m notifier.Message) {
	res := s.disp.Dispatch(ctx, m)
	rec := &FireRecord{RuleID: m.RuleID, Title: m.Title, At: s.now(), Outcome: res.Outcome, Reason: res.Reason}
	s.mu.Lock()
	s.lastFire = rec
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("rule", m.RuleID),
		logx.String("title", m.Title),
		logx.String("outcome", string(res.Outcome)),
		logx.Int("attempts", res.Attempts),
	}
	switch res.Outcome {
	case notifier.Delivered:
		s.log.Info("reminder delivered", fields...)
	case notifier.Suppressed:
		s.log.Info("reminder suppressed", append(fields, logx.String("reason", res.Reason))...)
	default:
		s.log.Warn("reminder not delivered", append(fields, logx.Err(res.Err))...)
	}
	if res.PermissionDenied() {
		s.deny(ctx)
	}
}

// deny is the permission-denied path: the switch goes off, every timer is
// cancelled, and the status says why. Nothing retries on its own.
func (s *Service) deny(ctx context.Context) {
	if err := s.store.SetGlobal(ctx, false); err != nil {
		s.log.Error("persisting disabled reminders failed", logx.Err(err))
	}
	s.sched.CancelAll()
	s.gate.Stop()
	s.setPermStatus("denied: the chat refuses notifications; message the bot, then run /reminders global on")
	s.log.Warn("notification permission denied; reminders disabled")
	eventbus.Publish(s.bus, eventbus.RemindersPermissionDenied, s.now())
}
