package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one outbound delivery.
type Message struct {
	Text string
	// IdempotencyKey is derived from the slot ID; receivers that support
	// deduplication can use it to drop repeated sends of the same slot.
	IdempotencyKey string
}

// Sender delivers a message through an external channel.
//
// Implementations must honor ctx (the caller sets the send timeout on it) and
// classify failures with Transient / Permanent. Unclassified errors are
// treated as transient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Kind classifies a delivery failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error is a classified delivery failure.
type Error struct {
	Kind Kind
	// After is an optional server-provided retry delay (e.g. flood control).
	After time.Duration
	Err   error
}

func (e *Error) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.After, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error             { return e.Err }
func (e *Error) Permanent() bool           { return e.Kind == KindPermanent }
func (e *Error) RetryAfter() time.Duration { return e.After }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// TransientAfter marks err as retryable no sooner than after.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &Error{Kind: KindTransient, After: after, Err: err}
}

// Permanent marks err as non-retryable (e.g. the channel rejected the content).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// KindOf classifies err. Context deadline errors and unknown errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// slotNamespace scopes idempotency keys to this application.
var slotNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lovebot:slot"))

// IdempotencyKey derives a stable UUIDv5 from the slot ID.
func IdempotencyKey(slotID string) string {
	return uuid.NewSHA1(slotNamespace, []byte(slotID)).String()
}
