package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenario = Policy{MaxRetries: 3, Base: time.Second, Cap: 60 * time.Second}

func TestDecideTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempts int
		policy   Policy
		want     Decision
	}{
		{1, scenario, RetryAfter(time.Second)},
		{2, scenario, RetryAfter(2 * time.Second)},
		{3, scenario, GiveUp()},
		{4, scenario, GiveUp()},
		{1, Policy{MaxRetries: 10, Base: time.Second, Cap: 5 * time.Second}, RetryAfter(time.Second)},
		{3, Policy{MaxRetries: 10, Base: time.Second, Cap: 5 * time.Second}, RetryAfter(4 * time.Second)},
		{4, Policy{MaxRetries: 10, Base: time.Second, Cap: 5 * time.Second}, RetryAfter(5 * time.Second)},
		{9, Policy{MaxRetries: 10, Base: time.Second, Cap: 5 * time.Second}, RetryAfter(5 * time.Second)},
		{0, Policy{MaxRetries: 0}, GiveUp()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("attempts=%d/max=%d", tt.attempts, tt.policy.MaxRetries), func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.attempts, tt.policy, nil))
		})
	}
}

func TestDelayMonotonicUpToCap(t *testing.T) {
	t.Parallel()
	p := Policy{MaxRetries: 200, Base: 250 * time.Millisecond, Cap: 90 * time.Second}
	prev := time.Duration(0)
	for n := 1; n < 200; n++ {
		d := Delay(n, p)
		require.GreaterOrEqual(t, d, prev, "attempt %d", n)
		require.LessOrEqual(t, d, p.Cap, "attempt %d", n)
		prev = d
	}
	// Shifting far past the cap must not overflow into negative delays.
	assert.Equal(t, p.Cap, Delay(10_000, p))
}

func TestGiveUpExactlyAtBudget(t *testing.T) {
	t.Parallel()
	for max := 1; max <= 8; max++ {
		p := Policy{MaxRetries: max, Base: time.Second, Cap: time.Minute}
		for n := 1; n <= 10; n++ {
			assert.Equal(t, n >= max, Decide(n, p, nil).GiveUp, "max=%d attempts=%d", max, n)
		}
	}
}

func TestJitterIsBounded(t *testing.T) {
	t.Parallel()
	p := Policy{MaxRetries: 10, Base: time.Second, Cap: time.Minute, Jitter: 0.5}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		n := 1 + i%9
		d := Decide(n, p, rng)
		base := Delay(n, p)
		require.False(t, d.GiveUp)
		require.GreaterOrEqual(t, d.After, base)
		require.LessOrEqual(t, d.After, base+base/2)
	}
}

type permErr struct{}

func (permErr) Error() string   { return "rejected" }
func (permErr) Permanent() bool { return true }

type floodErr struct{ after time.Duration }

func (e floodErr) Error() string             { return "too many requests" }
func (e floodErr) RetryAfter() time.Duration { return e.after }

func TestDecideErrOverrides(t *testing.T) {
	t.Parallel()

	// Permanent short-circuits even with budget left.
	got := DecideErr(1, scenario, fmt.Errorf("send: %w", permErr{}), nil)
	assert.True(t, got.GiveUp)

	// Retry-after hint extends the delay, bounded by the cap.
	got = DecideErr(1, scenario, floodErr{after: 30 * time.Second}, nil)
	assert.Equal(t, RetryAfter(30*time.Second), got)
	got = DecideErr(1, scenario, floodErr{after: 10 * time.Minute}, nil)
	assert.Equal(t, RetryAfter(scenario.Cap), got)

	// A hint shorter than the backoff doesn't shorten it.
	got = DecideErr(2, scenario, floodErr{after: time.Millisecond}, nil)
	assert.Equal(t, RetryAfter(2*time.Second), got)

	// Budget still wins over hints.
	got = DecideErr(3, scenario, floodErr{after: time.Second}, nil)
	assert.True(t, got.GiveUp)

	// Plain errors behave like Decide.
	got = DecideErr(1, scenario, errors.New("boom"), nil)
	assert.Equal(t, RetryAfter(time.Second), got)
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 2 * time.Minute}.WithDefaults()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2*time.Minute, p.Cap, "cap is raised to base")
}
