package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a slot.
	ErrNotFound = errors.New("delivery record not found")
	// ErrTerminal is returned by every mutation of a delivered or abandoned record.
	ErrTerminal = errors.New("delivery record is terminal")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	// CompactEvery is the number of journal writes between snapshots (file only).
	CompactEvery int
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusAbandoned Status = "abandoned"
)

func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusAbandoned }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusAbandoned:
		return true
	}
	return false
}

// Record is the durable state of one slot.
type Record struct {
	SlotID        string    `json:"slot_id"`
	DueAt         time.Time `json:"due_at"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	DeliveredAt   time.Time `json:"delivered_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r Record) Terminal() bool { return r.Status.Terminal() }

// Error is an I/O failure of the underlying store. Callers may retry it;
// ErrNotFound and ErrTerminal are never wrapped in Error.
type Error struct {
	Op     string
	SlotID string
	Err    error
}

func (e *Error) Error() string {
	if e.SlotID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.SlotID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func ioErr(op, slotID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, SlotID: slotID, Err: err}
}

// IsIO reports whether err is a (retryable) store I/O failure.
func IsIO(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func terminalErr(slotID string, st Status) error {
	return fmt.Errorf("%w: %s is %s", ErrTerminal, slotID, st)
}

func notFoundErr(slotID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, slotID)
}
