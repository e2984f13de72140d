// Package delivery drives one slot from pending to delivered or abandoned.
//
//	pending ──► attempting ──► delivered
//	               │  ▲
//	               └──┘ (retry after backoff)
//	               │
//	               └──────────► abandoned
//
// Every transition is persisted before the machine moves on, and the store is
// consulted before every send so a resolved slot is never sent again.
package delivery

import (
	"time"

	"lovebot/internal/schedule"
	"lovebot/internal/storage"
)

type State int

const (
	StatePending State = iota
	StateAttempting
	StateDelivered
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateDelivered:
		return "delivered"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == StateDelivered || s == StateAbandoned }

// CanTransition reports whether from -> to is a legal edge. Nothing leaves a
// terminal state.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateAttempting || to == StateAbandoned
	case StateAttempting:
		return to == StateAttempting || to == StateDelivered || to == StateAbandoned
	default:
		return false
	}
}

func stateOf(st storage.Status, attempts int) State {
	switch st {
	case storage.StatusDelivered:
		return StateDelivered
	case storage.StatusAbandoned:
		return StateAbandoned
	}
	if attempts > 0 {
		return StateAttempting
	}
	return StatePending
}

// Attempt is the in-memory context of one slot being worked on.
type Attempt struct {
	Slot schedule.Slot
	// Content is composed once per process run and reused across retries.
	Content  string
	composed bool

	Attempts    int
	NextRetryAt time.Time
	LastErr     error
	State       State
}

// Due reports whether the attempt may be stepped at now.
func (a *Attempt) Due(now time.Time) bool {
	return !a.State.Terminal() && !now.Before(a.NextRetryAt)
}

func (a *Attempt) moveTo(to State) bool {
	if !CanTransition(a.State, to) {
		return false
	}
	a.State = to
	return true
}
