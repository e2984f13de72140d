package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovebot/internal/retry"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("chat not found")

	perm := fmt.Errorf("send: %w", Permanent(base))
	assert.Equal(t, KindPermanent, KindOf(perm))
	assert.True(t, retry.IsPermanent(perm))
	assert.ErrorIs(t, perm, base)

	tr := Transient(base)
	assert.Equal(t, KindTransient, KindOf(tr))
	assert.False(t, retry.IsPermanent(tr))

	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))
}

func TestTransientAfterFeedsRetryPolicy(t *testing.T) {
	err := TransientAfter(errors.New("flood"), 7*time.Second)
	hint, ok := retry.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
	assert.Contains(t, err.Error(), "retry after 7s")
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("2024-01-01T01:00:00Z")
	b := IdempotencyKey("2024-01-01T01:00:00Z")
	c := IdempotencyKey("2024-01-01T02:00:00Z")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), u.Version())
}

func TestConsoleSender(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	require.NoError(t, c.Send(context.Background(), Message{Text: "hi", IdempotencyKey: "k"}))
	assert.Contains(t, buf.String(), "[k]\nhi\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Send(ctx, Message{Text: "late"})
	assert.Equal(t, KindTransient, KindOf(err))
}
