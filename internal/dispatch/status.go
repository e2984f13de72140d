package dispatch

import (
	"sort"
	"time"

	"lovebot/internal/runtime/supervisor"
	"lovebot/internal/storage"
)

const (
	StateStarting = "starting"
	StateIdle     = "idle"
	StateSending  = "sending"
	StateStopped  = "stopped"
)

// SuspendedSlot is a slot waiting for its next attempt.
type SuspendedSlot struct {
	SlotID      string    `json:"slot_id"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status is a point-in-time view of the controller, served by the status
// endpoint. Counters cover the current process only. Tasks is filled in by
// the process owner, not by the controller.
type Status struct {
	State     string    `json:"state"`
	Cadence   string    `json:"cadence"`
	StartedAt time.Time `json:"started_at,omitzero"`

	NextSlot string    `json:"next_slot,omitempty"`
	NextDue  time.Time `json:"next_due,omitzero"`
	NextWake time.Time `json:"next_wake,omitzero"`

	Suspended []SuspendedSlot `json:"suspended"`
	Last      *storage.Record `json:"last,omitempty"`

	Recovered int `json:"recovered"`
	Delivered int `json:"delivered"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
	Retries   int `json:"retries"`

	Tasks []supervisor.TaskState `json:"tasks,omitempty"`
}

// Status returns a copy safe to use from any goroutine.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Suspended = append([]SuspendedSlot(nil), c.status.Suspended...)
	if c.status.Last != nil {
		last := *c.status.Last
		s.Last = &last
	}
	return s
}

func (c *Controller) setState(state string) {
	c.mu.Lock()
	c.status.State = state
	c.mu.Unlock()
}

// publish snapshots loop-owned state into the status. Only the Run
// goroutine calls it.
func (c *Controller) publish(state string) {
	sus := make([]SuspendedSlot, 0, len(c.suspended))
	for _, a := range c.suspended {
		s := SuspendedSlot{SlotID: a.Slot.ID, Attempts: a.Attempts, NextRetryAt: a.NextRetryAt}
		if a.LastErr != nil {
			s.LastError = a.LastErr.Error()
		}
		sus = append(sus, s)
	}
	sort.Slice(sus, func(i, j int) bool { return sus[i].SlotID < sus[j].SlotID })

	c.mu.Lock()
	c.status.State = state
	c.status.Suspended = sus
	c.status.NextSlot = c.next.Slot.ID
	c.status.NextDue = c.next.Slot.DueAt
	c.status.NextWake = c.next.WakeAt
	c.mu.Unlock()

	c.obs.LoopState(c.next.Slot.DueAt, len(sus))
}
