package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("90s", "1h"); unknown keys are rejected.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Schedule ScheduleConfig `json:"schedule"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Messages MessagesConfig `json:"messages"`
	Logging  LoggingConfig  `json:"logging"`
	Status   *StatusConfig  `json:"status,omitempty"`
}

// TelegramConfig configures the Telegram transport.
//
// The token is usually supplied via LOVEBOT_TELEGRAM_TOKEN (or TELOXIDE_TOKEN)
// instead of the file; the environment wins when both are set.
type TelegramConfig struct {
	Token          string  `json:"token,omitempty"`
	ChatID         int64   `json:"chat_id"`
	ThreadID       int     `json:"thread_id,omitempty"`
	ParseMode      string  `json:"parse_mode,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
}

// ScheduleConfig defines when slots are due. Exactly one of Every or Cron.
//
// Defaults:
//   - anchor: 2000-01-01 00:00 in timezone (interval only)
//   - timezone: Local
//   - jitter: 0s
//   - catch_up_window: 1h
//   - missed: "latest"
type ScheduleConfig struct {
	// Every accepts a Go duration, "HH:MM", or "@every <duration>".
	Every string `json:"every,omitempty"`
	// Cron accepts 5/6-field cron expressions and descriptors (@daily).
	Cron string `json:"cron,omitempty"`
	// Anchor is RFC3339 or "HH:MM" (interpreted in Timezone).
	Anchor   string `json:"anchor,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Jitter   string `json:"jitter,omitempty"`

	// CatchUpWindow bounds how late a missed slot may still be delivered.
	CatchUpWindow string `json:"catch_up_window,omitempty"`
	// Missed is "latest" (deliver the newest missed slot inside the window)
	// or "skip".
	Missed string `json:"missed,omitempty"`
}

// DeliveryConfig configures the retry budget of one slot.
//
// Defaults: transport "telegram", max_retries 5, backoff_base 2s,
// backoff_cap 5m, backoff_jitter 0.2, send_timeout 30s.
type DeliveryConfig struct {
	Transport     string   `json:"transport,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty"`
	BackoffBase   string   `json:"backoff_base,omitempty"`
	BackoffCap    string   `json:"backoff_cap,omitempty"`
	BackoffJitter *float64 `json:"backoff_jitter,omitempty"`
	SendTimeout   string   `json:"send_timeout,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Defaults: driver "file", path "./data/lovebot.db", busy_timeout 5s,
// retry {max_retries 5, base 200ms, cap 5s}.
type StorageConfig struct {
	Driver      string             `json:"driver,omitempty"`
	Path        string             `json:"path,omitempty"`
	BusyTimeout string             `json:"busy_timeout,omitempty"`
	Retry       StorageRetryConfig `json:"retry,omitempty"`
}

type StorageRetryConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	Base       string `json:"base,omitempty"`
	Cap        string `json:"cap,omitempty"`
}

// MessagesConfig lists the messages to rotate through. At least one source
// must yield a message.
type MessagesConfig struct {
	List []string `json:"list,omitempty"`
	File string   `json:"file,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Alert   LogAlertConfig `json:"alert"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogAlertConfig forwards warn+ records to the delivery chat.
type LogAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StatusConfig controls the HTTP status server. When the section is omitted
// the server is disabled.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
