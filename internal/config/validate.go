package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks the fields that cannot be fixed up by defaults. It is the
// hot reload gate: a config that fails here is never committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when a token is set"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.Reminders.Location(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Reminders.QueueSize < 0 {
		errs = append(errs, errors.New("reminders.queue_size must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("notifier: counts must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q is not one of file, sqlite, memory", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if h := cfg.HTTP; h.Enabled {
		addr := h.ListenAddr()
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("http.addr %q: %w", addr, err))
		} else if !IsLoopbackAddr(addr) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
			errs = append(errs, fmt.Errorf("http.addr %q is not loopback; set http.token or http.allow_insecure", addr))
		}
		for path, raw := range map[string]string{
			"http.read_timeout":  h.ReadTimeout,
			"http.write_timeout": h.WriteTimeout,
			"http.idle_timeout":  h.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone; empty means time.Local.
func (r RemindersConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminders.timezone %q: %w", tz, err)
	}
	return loc, nil
}

const DefaultHTTPAddr = "127.0.0.1:9090"

func (h HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

// IsLoopbackAddr reports whether host:port binds to a loopback interface
// only. An empty host (all interfaces) is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
