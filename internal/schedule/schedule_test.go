package schedule

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(t *testing.T, jitter time.Duration) Cadence {
	t.Helper()
	c, err := NewInterval(time.Hour, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), jitter)
	require.NoError(t, err)
	return c
}

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 9 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "6h", kind: SpecInterval, source: "duration", duration: 6 * time.Hour},
		{name: "every descriptor", raw: "@every 90m", kind: SpecInterval, source: "duration", duration: 90 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "24:00", kind: SpecInterval, source: "hhmm", duration: 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "interval:-5m", "01:75"} {
		_, err := ParseSpec(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseAnchor(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 3*3600)

	a, err := ParseAnchor("09:30", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2000, 1, 1, 9, 30, 0, 0, loc), a)

	a, err = ParseAnchor("2024-02-10 07:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 7, 0, 0, 0, loc), a)

	a, err = ParseAnchor("2024-02-10T07:00:00Z", loc)
	require.NoError(t, err)
	assert.True(t, a.Equal(time.Date(2024, 2, 10, 7, 0, 0, 0, time.UTC)))

	_, err = ParseAnchor("yesterday", loc)
	assert.Error(t, err)
}

func TestNextDueInterval(t *testing.T) {
	t.Parallel()
	c := hourly(t, 0)
	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 0, 59, 59, 999, time.UTC), time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 5, 17, 20, 0, 0, time.UTC), time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := NextDue(c, tt.after, nil)
		assert.True(t, got.Slot.DueAt.Equal(tt.want), "after %s: got %s want %s", tt.after, got.Slot.DueAt, tt.want)
		assert.Equal(t, got.Slot.DueAt, got.WakeAt)
		assert.Equal(t, SlotID(tt.want), got.Slot.ID)
	}
}

func TestNextDueAlwaysAfterAndJitterIndependent(t *testing.T) {
	t.Parallel()
	c := hourly(t, 10*time.Minute)
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		after := base.Add(time.Duration(rng.Int63n(int64(72 * time.Hour))))
		first := NextDue(c, after, rng)
		second := NextDue(c, after, rng)

		require.True(t, first.Slot.DueAt.After(after))
		require.True(t, first.WakeAt.After(after))
		require.False(t, first.WakeAt.Before(first.Slot.DueAt))
		require.True(t, first.WakeAt.Sub(first.Slot.DueAt) < c.Jitter)
		// Same slot on every call; only the wake-up moves.
		require.Equal(t, first.Slot, second.Slot)
	}
}

func TestSlotIDIsStableAcrossZones(t *testing.T) {
	t.Parallel()
	utc := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	local := utc.In(time.FixedZone("Y", -5*3600))
	assert.Equal(t, "2024-01-01T01:00:00Z", SlotID(utc))
	assert.Equal(t, SlotID(utc), SlotID(local))
	assert.Equal(t, SlotID(utc), SlotID(utc.Add(400*time.Millisecond)))
}

func TestPrevDueAndBetween(t *testing.T) {
	t.Parallel()
	c := hourly(t, 0)
	at := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)

	prev, ok := PrevDue(c, at)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T05:00:00Z", prev.ID)

	prev, ok = PrevDue(c, time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T05:00:00Z", prev.ID)

	_, ok = PrevDue(c, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)

	slots, truncated := Between(c, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), at, 0)
	assert.False(t, truncated)
	require.Len(t, slots, 4)
	assert.Equal(t, "2024-01-01T02:00:00Z", slots[0].ID)
	assert.Equal(t, "2024-01-01T05:00:00Z", slots[3].ID)

	slots, truncated = Between(c, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), at, 2)
	assert.True(t, truncated)
	assert.Len(t, slots, 2)
}

func TestCronCadence(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("Z", 2*3600)
	c, err := FromSpec("0 9 * * *", "", loc, 0)
	require.NoError(t, err)
	require.True(t, c.IsCron())

	after := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)
	got := NextDue(c, after, nil)
	assert.True(t, got.Slot.DueAt.Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, loc)))
	assert.Equal(t, "2024-01-02T07:00:00Z", got.Slot.ID)

	prev, ok := PrevDue(c, time.Date(2024, 1, 5, 8, 59, 0, 0, loc))
	require.True(t, ok)
	assert.Equal(t, "2024-01-04T07:00:00Z", prev.ID)

	_, err = FromSpec("0 9 * * *", "09:00", loc, 0)
	assert.Error(t, err, "anchor with cron")
	_, err = NewCron("0 0 30 2 *", time.UTC, 0)
	assert.Error(t, err, "never fires")
}

func TestNewIntervalValidation(t *testing.T) {
	t.Parallel()
	_, err := NewInterval(500*time.Millisecond, time.Time{}, 0)
	assert.Error(t, err)
	_, err = NewInterval(time.Hour, time.Time{}, -time.Second)
	assert.Error(t, err)
}

func TestSystemClockSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := SystemClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
