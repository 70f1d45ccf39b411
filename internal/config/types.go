package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`
	HTTP      HTTPConfig      `json:"http,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage nil means the in-memory driver.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// TelegramConfig selects the bot and the chat reminders are delivered to.
// With an empty token reminders go to the log only.
type TelegramConfig struct {
	Token        string  `json:"token"`
	APIURL       string  `json:"api_url,omitempty"`
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Silent sends reminders without a notification sound.
	Silent bool `json:"silent,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log records to the reminder chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RemindersConfig controls the engine.
//
// Defaults (when fields are omitted/zero):
//   - timezone: the process local zone
//   - queue_size: 256
//   - goal_key_prefix: "goal_"
type RemindersConfig struct {
	// Timezone is an IANA zone name ("Europe/Berlin"); all wall-clock times
	// are evaluated in it.
	Timezone  string `json:"timezone,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	DefaultEnabledOnFirstRun bool   `json:"default_enabled_on_first_run,omitempty"`
	GoalKeyPrefix            string `json:"goal_key_prefix,omitempty"`
}

// NotifierConfig controls delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted the defaults below apply.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		SendTimeout:     "10s",
		DedupWindow:     "30s",
		DedupMaxEntries: 1000,
	}
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reminderd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the optional observability server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address requires a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// MetricsEnabled reports whether /metrics is served.
func (h HTTPConfig) MetricsEnabled() bool { return h.Metrics == nil || *h.Metrics }
