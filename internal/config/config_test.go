package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "telegram": {"token": "123:file", "chat_id": 42},
  "schedule": {"every": "24h", "anchor": "09:00", "timezone": "UTC"},
  "messages": {"list": ["love you"]},
  "logging": {"level": "info", "console": true}
}`

const validYAML = `
telegram:
  chat_id: 42
schedule:
  cron: "0 9 * * *"
  timezone: Europe/Berlin
  jitter: 5m
delivery:
  transport: console
  max_retries: 3
  backoff_base: 1s
  backoff_cap: 1m
storage:
  driver: sqlite
  path: /tmp/lovebot.sqlite
  retry:
    max_retries: 2
messages:
  list: [a, b]
logging:
  level: debug
status:
  enabled: true
  addr: 127.0.0.1:9000
  pprof: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearTokenEnv(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(envTokenLegacy, "")
}

func TestLoadJSONDefaults(t *testing.T) {
	clearTokenEnv(t)
	m := NewManager(writeFile(t, "config.json", validJSON))

	cfg, r, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "123:file", cfg.Telegram.Token)

	assert.Equal(t, 24*time.Hour, r.Cadence.Interval)
	assert.Equal(t, time.Date(2000, 1, 1, 9, 0, 0, 0, time.UTC), r.Cadence.Anchor)
	assert.Equal(t, time.Hour, r.CatchUpWindow)
	assert.Equal(t, MissedLatest, r.Missed)
	assert.Equal(t, TransportTelegram, r.Transport)
	assert.Equal(t, 5, r.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, r.Retry.Base)
	assert.Equal(t, 5*time.Minute, r.Retry.Cap)
	assert.InDelta(t, 0.2, r.Retry.Jitter, 1e-9)
	assert.Equal(t, 30*time.Second, r.SendTimeout)
	assert.Equal(t, "file", r.StorageDriver)
	assert.Equal(t, DefaultStoragePath, r.StoragePath)
	assert.Equal(t, 5, r.StorageRetry.MaxRetries)
	assert.False(t, r.StatusEnabled)
}

func TestLoadYAML(t *testing.T) {
	clearTokenEnv(t)
	m := NewManager(writeFile(t, "config.yaml", validYAML))

	_, r, err := m.Load()
	require.NoError(t, err)
	assert.True(t, r.Cadence.IsCron())
	assert.Equal(t, "Europe/Berlin", r.Cadence.Location.String())
	assert.Equal(t, 5*time.Minute, r.Cadence.Jitter)
	assert.Equal(t, TransportConsole, r.Transport)
	assert.Equal(t, 3, r.Retry.MaxRetries)
	assert.Equal(t, "sqlite", r.StorageDriver)
	assert.Equal(t, 2, r.StorageRetry.MaxRetries)
	assert.True(t, r.StatusEnabled)
	assert.True(t, r.StatusPprof)
	assert.Equal(t, "127.0.0.1:9000", r.StatusAddr)
}

func TestEnvTokenWins(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv(envTokenLegacy, "999:legacy")
	m := NewManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "999:legacy", cfg.Telegram.Token)

	t.Setenv(EnvToken, "777:primary")
	cfg, err = m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "777:primary", cfg.Telegram.Token)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv(EnvToken, "")
	require.NoError(t, os.Unsetenv(EnvToken))
	path := writeFile(t, ".env", EnvToken+"=555:dotenv\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "555:dotenv", os.Getenv(EnvToken))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	clearTokenEnv(t)
	cases := map[string]string{
		"unknown key": `{"telegram": {"chat_id": 1, "chatid": 2}}`,
		"trailing":    `{"telegram": {"chat_id": 1}} {"x": 1}`,
		"bad yaml":    "telegram: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			ext := "config.json"
			if name == "bad yaml" {
				ext = "config.yaml"
			}
			_, err := NewManager(writeFile(t, ext, content)).Parse()
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}

	_, err := NewManager(filepath.Join(t.TempDir(), "absent.json")).Parse()
	assert.True(t, IsConfigError(err))
}

func TestResolveCollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{Every: "1h", Cron: "@daily", Timezone: "Mars/Olympus", Missed: "all"},
		Delivery: DeliveryConfig{MaxRetries: -1, BackoffBase: "1m", BackoffCap: "1s", SendTimeout: "soon"},
		Storage:  StorageConfig{Driver: "redis"},
		Logging:  LoggingConfig{Level: "loud"},
		Status:   &StatusConfig{Enabled: true, Addr: "nope"},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)

	want := []string{
		"schedule.timezone",
		"schedule.missed",
		"either every or cron",
		"telegram.token",
		"telegram.chat_id",
		"delivery.max_retries",
		"delivery.backoff_cap",
		"delivery.send_timeout",
		"storage.driver",
		"messages: list or file",
		"logging.level",
		"status.addr",
	}
	msg := err.Error()
	for _, w := range want {
		assert.Contains(t, msg, w)
	}
	assert.Len(t, ce.Problems, len(want))
}

func TestResolveJitterMustBeShorterThanInterval(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{Every: "1h", Jitter: "1h"},
		Delivery: DeliveryConfig{Transport: "console"},
		Messages: MessagesConfig{List: []string{"x"}},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule.jitter")

	cfg.Schedule.Jitter = "10m"
	_, err = Resolve(cfg)
	require.NoError(t, err)
}

func TestResolveEveryForms(t *testing.T) {
	for _, every := range []string{"6h", "06:00", "@every 6h"} {
		cfg := &Config{
			Schedule: ScheduleConfig{Every: every, Timezone: "UTC"},
			Delivery: DeliveryConfig{Transport: "console"},
			Messages: MessagesConfig{List: []string{"x"}},
		}
		r, err := Resolve(cfg)
		require.NoError(t, err, every)
		assert.Equal(t, 6*time.Hour, r.Cadence.Interval, every)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}, Schedule: ScheduleConfig{Every: "1h"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Schedule: ScheduleConfig{Every: "2h"}}

	changed, attrs := SummarizeChange(a, b)
	assert.ElementsMatch(t, []string{"logging", "schedule"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"schedule"}, RestartRequired(changed))

	changed, _ = SummarizeChange(a, a)
	assert.Empty(t, changed)
}

func TestSubscribeDropsOldest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	c1, c2 := &Config{}, &Config{}
	m.publish(c1)
	m.publish(c2)
	assert.Same(t, c2, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	clearTokenEnv(t)
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, _, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid change is rejected and not published.
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram": {"chat_id": 0}}`), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, ch)

	updated := `{
  "telegram": {"token": "123:file", "chat_id": 42},
  "schedule": {"every": "24h", "anchor": "09:00", "timezone": "UTC"},
  "messages": {"list": ["love you"]},
  "logging": {"level": "debug", "console": true}
}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
