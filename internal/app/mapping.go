package app

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/notifier"
	"reminderd/internal/storage"
	kit "reminderd/internal/transport"
	telegram "reminderd/internal/transport/telegram/adapter"
	logx "reminderd/pkg/logx"
)

func mapLogConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: pollTimeout,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func chatTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

// owners are the users allowed to change reminders. In a private chat the
// chat id is the user id, so it stands in when none are configured.
func owners(cfg *config.Config) []int64 {
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return slices.Clone(cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Telegram.ChatID > 0 {
		return []int64{cfg.Telegram.ChatID}
	}
	return nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	def := config.DefaultNotifier()
	out := notifier.Config{
		Target:          chatTarget(cfg),
		Silent:          cfg.Telegram.Silent,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	durations := []struct {
		path, raw, def string
		dst            *time.Duration
	}{
		{"notifier.retry_base", nc.RetryBase, def.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay, def.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.send_timeout", nc.SendTimeout, def.SendTimeout, &out.SendTimeout},
		{"notifier.dedup_window", nc.DedupWindow, def.DedupWindow, &out.DedupWindow},
	}
	for _, d := range durations {
		fallback, _ := time.ParseDuration(d.def)
		if *d.dst, err = config.ParseDurationOrDefault(d.path, d.raw, fallback); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// chatLogSender forwards log lines to the reminder chat.
type chatLogSender struct {
	ad     kit.Adapter
	target atomic.Pointer[kit.ChatTarget]
}

func newChatLogSender(ad kit.Adapter, to kit.ChatTarget) *chatLogSender {
	s := &chatLogSender{ad: ad}
	s.setTarget(to)
	return s
}

func (s *chatLogSender) setTarget(to kit.ChatTarget) { s.target.Store(&to) }

func (s *chatLogSender) SendLog(ctx context.Context, text string) error {
	to := s.target.Load()
	if to == nil || to.IsZero() {
		return nil
	}
	_, err := s.ad.SendText(ctx, *to, text, &kit.SendOptions{DisablePreview: true, Silent: true})
	return err
}
