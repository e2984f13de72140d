package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"lovebot/internal/schedule"
	logx "lovebot/pkg/logx"
)

// Store is the durable record of every slot's delivery.
//
// Mutations of a terminal record fail with ErrTerminal; mutations of an
// unknown slot fail with ErrNotFound. I/O failures are *Error.
type Store interface {
	Get(ctx context.Context, slotID string) (Record, error)
	// PutPending creates a pending record for slot, or returns the existing
	// record unchanged.
	PutPending(ctx context.Context, slot schedule.Slot, at time.Time) (Record, error)
	MarkAttempt(ctx context.Context, slotID string, attempts int, at time.Time, lastErr string) error
	MarkDelivered(ctx context.Context, slotID string, attempts int, at time.Time) error
	MarkAbandoned(ctx context.Context, slotID string, attempts int, at time.Time, reason string) error
	// Unresolved returns all pending records ordered by DueAt.
	Unresolved(ctx context.Context) ([]Record, error)
	// Latest returns the record with the greatest DueAt.
	Latest(ctx context.Context) (Record, bool, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// applyMutation returns the mutated copy of rec, or an error when rec is
// terminal. Attempt counts never decrease.
func applyMutation(rec Record, to Status, attempts int, at time.Time, msg string) (Record, error) {
	if rec.Terminal() {
		return rec, terminalErr(rec.SlotID, rec.Status)
	}
	if attempts < rec.Attempts {
		attempts = rec.Attempts
	}
	attempted := attempts > rec.Attempts
	at = at.UTC()
	rec.Attempts = attempts
	rec.UpdatedAt = at
	switch to {
	case StatusPending:
		rec.LastAttemptAt = at
		rec.LastError = msg
	case StatusDelivered:
		rec.Status = StatusDelivered
		rec.LastAttemptAt = at
		rec.DeliveredAt = at
		rec.FinishedAt = at
	case StatusAbandoned:
		rec.Status = StatusAbandoned
		if attempted {
			rec.LastAttemptAt = at
		}
		rec.FinishedAt = at
		if msg != "" {
			rec.LastError = msg
		}
	}
	return rec, nil
}

func newPending(slot schedule.Slot, at time.Time) Record {
	return Record{
		SlotID:    slot.ID,
		DueAt:     slot.DueAt.UTC(),
		Status:    StatusPending,
		UpdatedAt: at.UTC(),
	}
}
