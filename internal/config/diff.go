package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "reminderd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging them. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID || ot.Silent != nt.Silent ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.timezone", strings.TrimSpace(newCfg.Reminders.Timezone)),
			logx.Int("reminders.queue_size", newCfg.Reminders.QueueSize),
			logx.Bool("reminders.default_enabled_on_first_run", newCfg.Reminders.DefaultEnabledOnFirstRun),
		)
	}

	def := DefaultNotifier()
	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on == nil {
		on = &def
	}
	if nn == nil {
		nn = &def
	}
	if *on != *nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.String("notifier.send_timeout", nn.SendTimeout),
			logx.String("notifier.dedup_window", nn.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || oh.ListenAddr() != nh.ListenAddr() ||
		oh.Token != nh.Token || oh.AllowInsecure != nh.AllowInsecure ||
		oh.Pprof != nh.Pprof || oh.MetricsEnabled() != nh.MetricsEnabled() ||
		oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout || oh.IdleTimeout != nh.IdleTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.ListenAddr()),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
