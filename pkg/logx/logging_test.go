package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Duration("d", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"trace", "DEBUG", " info ", "warning", "error"} {
		_, ok := ParseLevel(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) Alert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	t.Cleanup(func() { _ = svc.Close() })
	rec := &recordingSender{}
	svc.SetAlertSender(rec)

	log.Info("quiet")
	log.Warn("slot abandoned", String("slot", "2024-01-01T01:00:00Z"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, strings.HasPrefix(rec.msgs[0], "[WARN] slot abandoned"))
	assert.Contains(t, rec.msgs[0], "slot=2024-01-01T01:00:00Z")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestApplySwitchesLogFileWhileLogging(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	log.Info("before switch")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					log.Info("busy")
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		path := first
		if i%2 == 0 {
			path = second
		}
		svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	}
	close(stop)
	wg.Wait()

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("after switch")

	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(b), "before switch")
	assert.NotContains(t, string(b), "after switch")

	b, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(b), "after switch")
}
