package schedule

import (
	"math/rand"
	"time"
)

// Slot identifies one scheduled occasion.
type Slot struct {
	ID    string
	DueAt time.Time
}

func (s Slot) IsZero() bool { return s.ID == "" }

// SlotID derives the stable slot identifier from the unjittered due instant.
// Any two processes computing the same instant get the same ID.
func SlotID(dueAt time.Time) string {
	return dueAt.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NewSlot builds a slot for the given unjittered due instant.
func NewSlot(dueAt time.Time) Slot {
	return Slot{ID: SlotID(dueAt), DueAt: dueAt}
}

// Due is the result of NextDue: the slot itself and the (jittered) instant
// at which the controller should wake up for it. WakeAt >= Slot.DueAt.
type Due struct {
	Slot   Slot
	WakeAt time.Time
}

// Rand is the subset of *rand.Rand used for jitter.
type Rand interface {
	Int63n(n int64) int64
}

// NextDue returns the smallest due instant strictly after `after`, plus a
// jittered wake-up time. Jitter is recomputed on every call; the slot is not.
//
// A zero Due means the cadence has no further activations (a cron expression
// that never fires again).
func NextDue(c Cadence, after time.Time, rng Rand) Due {
	due := c.next(after)
	if due.IsZero() {
		return Due{}
	}
	return Due{Slot: NewSlot(due), WakeAt: due.Add(jitter(c.Jitter, rng))}
}

// PrevDue returns the latest due instant <= at.
func PrevDue(c Cadence, at time.Time) (Slot, bool) {
	t, ok := c.prev(at)
	if !ok {
		return Slot{}, false
	}
	return NewSlot(t), true
}

// Between lists the slots in (after, until], at most limit of them.
// The second result reports whether the list was cut short by limit.
func Between(c Cadence, after, until time.Time, limit int) ([]Slot, bool) {
	var out []Slot
	t := after
	for {
		t = c.next(t)
		if t.IsZero() || t.After(until) {
			return out, false
		}
		if limit > 0 && len(out) >= limit {
			return out, true
		}
		out = append(out, NewSlot(t))
	}
}

func jitter(max time.Duration, rng Rand) time.Duration {
	if max <= 0 {
		return 0
	}
	if rng == nil {
		return time.Duration(rand.Int63n(int64(max)))
	}
	return time.Duration(rng.Int63n(int64(max)))
}

func (c Cadence) next(after time.Time) time.Time {
	if c.sched != nil {
		return c.sched.Next(after.In(c.location()))
	}
	c.mustInterval()
	if after.Before(c.Anchor) {
		return c.Anchor
	}
	k := after.Sub(c.Anchor) / c.Interval
	return c.Anchor.Add((k + 1) * c.Interval)
}

// cronLookbacks bounds the backwards search for the previous cron activation.
var cronLookbacks = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	366 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

func (c Cadence) prev(at time.Time) (time.Time, bool) {
	if c.sched == nil {
		c.mustInterval()
		if at.Before(c.Anchor) {
			return time.Time{}, false
		}
		k := at.Sub(c.Anchor) / c.Interval
		return c.Anchor.Add(k * c.Interval), true
	}
	for _, lb := range cronLookbacks {
		t := c.sched.Next(at.Add(-lb).In(c.location()))
		if t.IsZero() || t.After(at) {
			continue
		}
		for {
			n := c.sched.Next(t)
			if n.IsZero() || n.After(at) {
				return t, true
			}
			t = n
		}
	}
	return time.Time{}, false
}

func (c Cadence) mustInterval() {
	if c.Interval <= 0 {
		panic("schedule: cadence without interval or cron expression")
	}
}
