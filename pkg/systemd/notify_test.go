package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lovebot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(r *recorder, interval time.Duration, err error) *Notifier {
	n := NewNotifier(logx.Nop())
	n.send = r.send
	n.watchdog = func() (time.Duration, error) { return interval, err }
	return n
}

func TestLifecycleNotifications(t *testing.T) {
	r := &recorder{}
	n := newTestNotifier(r, 0, nil)
	n.Ready()
	n.Status("next slot 2024-01-01T09:00:00Z")
	n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=next slot 2024-01-01T09:00:00Z", "STOPPING=1"}, r.states)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	for _, err := range []error{nil, errors.New("bad WATCHDOG_USEC")} {
		n := newTestNotifier(&recorder{}, 0, err)
		assert.NoError(t, n.Watchdog(context.Background(), nil))
	}
}

func TestWatchdogPingsWhileAlive(t *testing.T) {
	r := &recorder{}
	n := newTestNotifier(r, 20*time.Millisecond, nil)

	var mu sync.Mutex
	alive := true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Watchdog(ctx, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return alive
		})
	}()

	require.Eventually(t, func() bool { return r.count("WATCHDOG=1") >= 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	alive = false
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	before := r.count("WATCHDOG=1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, r.count("WATCHDOG=1"))

	cancel()
	assert.NoError(t, <-done)
}
