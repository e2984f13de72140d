package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Console writes messages to w instead of a chat. Used for dry runs
// (delivery.transport: console).
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "---- %s [%s]\n%s\n", time.Now().Format(time.RFC3339), msg.IdempotencyKey, msg.Text)
	if err != nil {
		return Transient(err)
	}
	return nil
}

// Alert makes Console usable as a logx.AlertSender.
func (c *Console) Alert(ctx context.Context, text string) error {
	return c.Send(ctx, Message{Text: text, IdempotencyKey: "alert"})
}
