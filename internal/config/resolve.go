package config

import (
	"net"
	"os"
	"strings"
	"time"

	"lovebot/internal/retry"
	"lovebot/internal/schedule"
	logx "lovebot/pkg/logx"
)

const (
	MissedLatest = "latest"
	MissedSkip   = "skip"

	TransportTelegram = "telegram"
	TransportConsole  = "console"

	DefaultStoragePath = "./data/lovebot.db"
	DefaultStatusAddr  = "127.0.0.1:9469"
)

// Resolved holds the typed values derived from a validated Config.
type Resolved struct {
	Cadence       schedule.Cadence
	CatchUpWindow time.Duration
	Missed        string

	Transport   string
	Retry       retry.Policy
	SendTimeout time.Duration

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration
	StorageRetry       retry.Policy

	StatusEnabled bool
	StatusAddr    string
	StatusPprof   bool
}

// Resolve validates cfg and derives typed settings. All problems are
// reported together in one *Error.
func Resolve(cfg *Config) (*Resolved, error) {
	if cfg == nil {
		return nil, &Error{Problems: []string{"config is nil"}}
	}
	var p problems
	r := &Resolved{}

	resolveSchedule(cfg.Schedule, r, &p)
	resolveDelivery(cfg, r, &p)
	resolveStorage(cfg.Storage, r, &p)
	validateMessages(cfg.Messages, &p)
	validateLogging(cfg.Logging, &p)
	resolveStatus(cfg.Status, r, &p)

	if len(p) > 0 {
		return nil, &Error{Problems: p}
	}
	return r, nil
}

// Validate is Resolve for callers that only need the verdict (the watcher).
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func resolveSchedule(sc ScheduleConfig, r *Resolved, p *problems) {
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			p.add("schedule.timezone: unknown zone %q", tz)
		} else {
			loc = l
		}
	}
	jitter := p.durationOr("schedule.jitter", sc.Jitter, 0)
	r.CatchUpWindow = p.durationOr("schedule.catch_up_window", sc.CatchUpWindow, time.Hour)

	switch m := strings.ToLower(strings.TrimSpace(sc.Missed)); m {
	case "", MissedLatest:
		r.Missed = MissedLatest
	case MissedSkip:
		r.Missed = MissedSkip
	default:
		p.add("schedule.missed: must be %q or %q, got %q", MissedLatest, MissedSkip, sc.Missed)
	}

	every, cronExpr := strings.TrimSpace(sc.Every), strings.TrimSpace(sc.Cron)
	var raw string
	switch {
	case every != "" && cronExpr != "":
		p.add("schedule: set either every or cron, not both")
		return
	case every == "" && cronExpr == "":
		p.add("schedule: every or cron is required")
		return
	case cronExpr != "":
		raw = "cron:" + cronExpr
	case strings.HasPrefix(strings.ToLower(every), "@every"):
		raw = every
	default:
		raw = "every:" + every
	}

	c, err := schedule.FromSpec(raw, sc.Anchor, loc, jitter)
	if err != nil {
		p.add("schedule: %v", err)
		return
	}
	if !c.IsCron() && jitter >= c.Interval {
		p.add("schedule.jitter: must be shorter than the interval (%s)", c.Interval)
	}
	r.Cadence = c
}

func resolveDelivery(cfg *Config, r *Resolved, p *problems) {
	d := cfg.Delivery
	switch t := strings.ToLower(strings.TrimSpace(d.Transport)); t {
	case "", TransportTelegram:
		r.Transport = TransportTelegram
		validateTelegram(cfg.Telegram, p)
	case TransportConsole:
		r.Transport = TransportConsole
	default:
		p.add("delivery.transport: unknown transport %q", d.Transport)
	}

	if d.MaxRetries < 0 {
		p.add("delivery.max_retries: must be >= 0")
	}
	jit := 0.2
	if d.BackoffJitter != nil {
		jit = *d.BackoffJitter
		if jit < 0 || jit > 1 {
			p.add("delivery.backoff_jitter: must be within [0, 1]")
		}
	}
	r.Retry = retry.Policy{
		MaxRetries: d.MaxRetries,
		Base:       p.durationOr("delivery.backoff_base", d.BackoffBase, 2*time.Second),
		Cap:        p.durationOr("delivery.backoff_cap", d.BackoffCap, 5*time.Minute),
		Jitter:     jit,
	}
	if r.Retry.MaxRetries == 0 {
		r.Retry.MaxRetries = 5
	}
	if r.Retry.Cap < r.Retry.Base {
		p.add("delivery.backoff_cap: must be >= backoff_base")
	}
	r.SendTimeout = p.durationOr("delivery.send_timeout", d.SendTimeout, 30*time.Second)
}

func validateTelegram(tc TelegramConfig, p *problems) {
	if strings.TrimSpace(tc.Token) == "" {
		p.add("telegram.token: required (or set %s)", EnvToken)
	}
	if tc.ChatID == 0 {
		p.add("telegram.chat_id: required")
	}
	switch tc.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		p.add("telegram.parse_mode: must be HTML, Markdown or MarkdownV2")
	}
	if tc.RatePerSec < 0 {
		p.add("telegram.rate_per_sec: must be >= 0")
	}
	if tc.ThreadID < 0 {
		p.add("telegram.thread_id: must be >= 0")
	}
}

func resolveStorage(sc StorageConfig, r *Resolved, p *problems) {
	switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
	case "", "file":
		r.StorageDriver = "file"
	case "sqlite", "sqlite3":
		r.StorageDriver = "sqlite"
	default:
		p.add("storage.driver: unknown driver %q (file, sqlite)", sc.Driver)
	}
	r.StoragePath = strings.TrimSpace(sc.Path)
	if r.StoragePath == "" {
		r.StoragePath = DefaultStoragePath
	}
	r.StorageBusyTimeout = p.durationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if sc.Retry.MaxRetries < 0 {
		p.add("storage.retry.max_retries: must be >= 0")
	}
	r.StorageRetry = retry.Policy{
		MaxRetries: sc.Retry.MaxRetries,
		Base:       p.durationOr("storage.retry.base", sc.Retry.Base, 200*time.Millisecond),
		Cap:        p.durationOr("storage.retry.cap", sc.Retry.Cap, 5*time.Second),
	}
	if r.StorageRetry.MaxRetries == 0 {
		r.StorageRetry.MaxRetries = 5
	}
}

func validateMessages(mc MessagesConfig, p *problems) {
	n := 0
	for _, m := range mc.List {
		if strings.TrimSpace(m) != "" {
			n++
		}
	}
	file := strings.TrimSpace(mc.File)
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			p.add("messages.file: %v", err)
		}
	}
	if n == 0 && file == "" {
		p.add("messages: list or file is required")
	}
}

func validateLogging(lc LoggingConfig, p *problems) {
	if lv := strings.TrimSpace(lc.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			p.add("logging.level: unknown level %q", lc.Level)
		}
	}
	if lc.File.Enabled && strings.TrimSpace(lc.File.Path) == "" {
		p.add("logging.file.path: required when file logging is enabled")
	}
	if lv := strings.TrimSpace(lc.Alert.MinLevel); lc.Alert.Enabled && lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			p.add("logging.alert.min_level: unknown level %q", lc.Alert.MinLevel)
		}
	}
	if lc.Alert.RatePerSec < 0 {
		p.add("logging.alert.rate_per_sec: must be >= 0")
	}
}

func resolveStatus(sc *StatusConfig, r *Resolved, p *problems) {
	if sc == nil || !sc.Enabled {
		return
	}
	r.StatusEnabled = true
	r.StatusPprof = sc.Pprof
	r.StatusAddr = strings.TrimSpace(sc.Addr)
	if r.StatusAddr == "" {
		r.StatusAddr = DefaultStatusAddr
	}
	if _, _, err := net.SplitHostPort(r.StatusAddr); err != nil {
		p.add("status.addr: %v", err)
	}
}
