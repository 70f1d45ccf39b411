package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	kit "reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

// ChatDispatcher sends reminders as chat messages through a transport adapter.
// It is safe for concurrent use.
type ChatDispatcher struct {
	mu      sync.Mutex
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	forbidden bool

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until
}

func NewChat(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *ChatDispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &ChatDispatcher{
		log:     log,
		adapter: adapter,
		bus:     bus,
		now:     time.Now,
		sleep:   sleepCtx,
		dedup:   map[string]time.Time{},
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps the delivery config. A changed target clears the forbidden flag.
func (d *ChatDispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Target != d.cfg.Target {
		d.forbidden = false
	}
	d.applyLocked(cfg)
}

func (d *ChatDispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// NoteInbound records that chatID just messaged the bot. If it is the
// target, a previously forbidden chat is reachable again.
func (d *ChatDispatcher) NoteInbound(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forbidden && chatID == d.cfg.Target.ChatID {
		d.forbidden = false
		d.log.Info("target chat reachable again", logx.Int64("chat_id", chatID))
	}
}

func (d *ChatDispatcher) Permission(ctx context.Context) Permission {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.forbidden:
		return PermissionDenied
	case d.cfg.Target.IsZero():
		return PermissionUnknown
	default:
		return PermissionGranted
	}
}

// FormatText renders the chat message: a bell, the bold title and the body.
func FormatText(m Message) string {
	title := html.EscapeString(strings.TrimSpace(m.Title))
	body := html.EscapeString(strings.TrimSpace(m.Body))
	if body == "" {
		return "🔔 <b>" + title + "</b>"
	}
	return "🔔 <b>" + title + "</b>\n" + body
}

func (d *ChatDispatcher) Dispatch(ctx context.Context, m Message) Result {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	forbidden := d.forbidden
	d.mu.Unlock()

	if forbidden {
		return d.finish(m, cfg, Result{Outcome: Suppressed, Reason: ReasonPermissionDenied, Err: kit.ErrForbidden})
	}
	if cfg.Target.IsZero() {
		return d.finish(m, cfg, Result{Outcome: Suppressed, Reason: ReasonDisabled})
	}
	key := dedupKey(m)
	if cfg.DedupWindow > 0 && !d.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		return d.finish(m, cfg, Result{Outcome: Suppressed, Reason: ReasonDuplicate})
	}

	text := FormatText(m)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: cfg.Silent}
	maxAttempts := 1 + cfg.RetryMax

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			res.Outcome, res.Err = Failed, err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := d.adapter.SendText(callCtx, cfg.Target, text, opt)
		cancel()
		if err == nil {
			res.Outcome, res.Err = Delivered, nil
			break
		}
		res.Outcome, res.Err = Failed, err
		if errors.Is(err, kit.ErrForbidden) {
			res.Outcome, res.Reason = Suppressed, ReasonPermissionDenied
			d.mu.Lock()
			if d.cfg.Target == cfg.Target {
				d.forbidden = true
			}
			d.mu.Unlock()
			break
		}
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		d.log.Debug("send failed, retrying", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if d.sleep(ctx, retryDelay(cfg, attempt)) != nil {
			break
		}
	}
	if res.Outcome != Delivered && key != "" {
		d.dedupForget(key)
	}
	return d.finish(m, cfg, res)
}

func (d *ChatDispatcher) finish(m Message, cfg Config, res Result) Result {
	metrics.RecordDispatch(string(res.Outcome), res.Reason)
	ev := DispatchEvent{
		RuleID:   m.RuleID,
		Title:    m.Title,
		ChatID:   cfg.Target.ChatID,
		Outcome:  res.Outcome,
		Reason:   res.Reason,
		Attempts: res.Attempts,
		At:       d.now(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	switch res.Outcome {
	case Delivered:
		eventbus.Publish(d.bus, eventbus.NotifierSent, ev)
	case Suppressed:
		eventbus.Publish(d.bus, eventbus.NotifierSuppressed, ev)
	default:
		d.log.Warn("notification failed", logx.String("rule", m.RuleID), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		eventbus.Publish(d.bus, eventbus.NotifierFailed, ev)
	}
	return res
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.RuleID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (d *ChatDispatcher) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := d.now()
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		return false
	}
	d.dedup[key] = now.Add(window)

	for k, until := range d.dedup {
		if !now.Before(until) {
			delete(d.dedup, k)
		}
	}
	// Cap by evicting the earliest expiry.
	for len(d.dedup) > maxEntries {
		var minKey string
		var minT time.Time
		for k, t := range d.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(d.dedup, minKey)
	}
	return true
}

// dedupForget lets an undelivered message through on the next attempt.
func (d *ChatDispatcher) dedupForget(key string) {
	d.dmu.Lock()
	delete(d.dedup, key)
	d.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt && d < maxD; i++ {
		d *= 2
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), maxD)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
