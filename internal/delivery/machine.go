package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"lovebot/internal/retry"
	"lovebot/internal/schedule"
	"lovebot/internal/storage"
	"lovebot/internal/transport"
	logx "lovebot/pkg/logx"
)

// ErrStorageExhausted means a store write kept failing after the storage
// retry budget was spent. The process cannot guarantee exactly-once delivery
// without the store and should exit.
var ErrStorageExhausted = errors.New("storage retries exhausted")

// persistTimeout bounds writes that must land even while shutting down.
const persistTimeout = 5 * time.Second

// Composer produces the text of a delivery.
type Composer interface {
	Compose(ctx context.Context) (string, error)
}

// ComposerFunc adapts a function to Composer.
type ComposerFunc func(ctx context.Context) (string, error)

func (f ComposerFunc) Compose(ctx context.Context) (string, error) { return f(ctx) }

// Observer receives delivery events (metrics). Calls happen on the
// controller goroutine and must not block.
type Observer interface {
	SendFinished(slotID string, took time.Duration, err error)
	RetryScheduled(a *Attempt, after time.Duration)
	Resolved(a *Attempt)
	StorageRetried(op string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SendFinished(string, time.Duration, error) {}
func (NopObserver) RetryScheduled(*Attempt, time.Duration) {}
func (NopObserver) Resolved(*Attempt) {}
func (NopObserver) StorageRetried(string, error) {}

type Config struct {
	Policy        retry.Policy
	StoragePolicy retry.Policy
	// SendTimeout bounds one transport call; 0 means 30s.
	SendTimeout time.Duration
}

type Deps struct {
	Store    storage.Store
	Sender   transport.Sender
	Composer Composer
	Clock    schedule.Clock
	Rand     retry.Rand
	Log      logx.Logger
	Observer Observer
}

// Machine runs slot attempts. It is not safe for concurrent use; the
// dispatch controller owns it.
type Machine struct {
	store    storage.Store
	sender   transport.Sender
	composer Composer
	clock    schedule.Clock
	rng      retry.Rand
	log      logx.Logger
	obs      Observer

	policy        retry.Policy
	storagePolicy retry.Policy
	sendTimeout   time.Duration
}

func New(d Deps, cfg Config) *Machine {
	if d.Clock == nil {
		d.Clock = schedule.SystemClock{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Observer == nil {
		d.Observer = NopObserver{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	sp := cfg.StoragePolicy
	if sp.MaxRetries <= 0 {
		sp.MaxRetries = 5
	}
	if sp.Base <= 0 {
		sp.Base = 200 * time.Millisecond
	}
	if sp.Cap <= 0 {
		sp.Cap = 5 * time.Second
	}
	return &Machine{
		store:         d.Store,
		sender:        d.Sender,
		composer:      d.Composer,
		clock:         d.Clock,
		rng:           d.Rand,
		log:           d.Log,
		obs:           d.Observer,
		policy:        cfg.Policy.WithDefaults(),
		storagePolicy: sp.WithDefaults(),
		sendTimeout:   cfg.SendTimeout,
	}
}

func (m *Machine) Policy() retry.Policy { return m.policy }

// Begin makes sure slot has a record and returns its attempt context. A slot
// that already has a record continues from it (see Resume); a terminal record
// yields a terminal attempt that needs no further work.
func (m *Machine) Begin(ctx context.Context, slot schedule.Slot) (*Attempt, error) {
	var rec storage.Record
	err := m.persist(ctx, "put pending", func(ctx context.Context) error {
		var err error
		rec, err = m.store.PutPending(ctx, slot, m.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.Resume(ctx, rec)
}

// Resume rebuilds the attempt context of a persisted record. The next retry
// is scheduled from the persisted attempt count and last attempt time; a
// record that already used its whole budget is abandoned.
func (m *Machine) Resume(ctx context.Context, rec storage.Record) (*Attempt, error) {
	a := &Attempt{
		Slot:     schedule.Slot{ID: rec.SlotID, DueAt: rec.DueAt},
		Attempts: rec.Attempts,
		State:    stateOf(rec.Status, rec.Attempts),
	}
	if rec.LastError != "" {
		a.LastErr = errors.New(rec.LastError)
	}
	if a.State.Terminal() || rec.Attempts == 0 {
		return a, nil
	}

	dec := retry.Decide(rec.Attempts, m.policy, m.rng)
	if dec.GiveUp {
		m.log.Warn("retry budget already spent, abandoning",
			logx.String("slot", a.Slot.ID),
			logx.Int("attempts", a.Attempts),
		)
		return a, m.abandon(ctx, a, "retry budget exhausted: "+rec.LastError)
	}
	last := rec.LastAttemptAt
	if last.IsZero() {
		last = rec.UpdatedAt
	}
	a.NextRetryAt = last.Add(dec.After)
	return a, nil
}

// Step performs one attempt of a. The caller only steps attempts that are
// Due. On return a is either terminal or suspended until a.NextRetryAt.
//
// The error is nil unless the store failed for good (ErrStorageExhausted or
// an unexpected store error) or ctx was cancelled. A cancellation during the
// send persists nothing, so a restart retries with the same attempt count.
func (m *Machine) Step(ctx context.Context, a *Attempt) error {
	if a.State.Terminal() {
		return nil
	}

	// Idempotency: the store is the source of truth before every send.
	var rec storage.Record
	err := m.persist(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = m.store.Get(ctx, a.Slot.ID)
		return err
	})
	if err != nil {
		return err
	}
	if rec.Terminal() {
		m.log.Info("slot already resolved, not sending",
			logx.String("slot", a.Slot.ID),
			logx.String("status", string(rec.Status)),
		)
		a.State = stateOf(rec.Status, rec.Attempts)
		a.Attempts = rec.Attempts
		return nil
	}
	if rec.Attempts > a.Attempts {
		a.Attempts = rec.Attempts
	}
	a.moveTo(StateAttempting)

	sendErr := m.attempt(ctx, a)
	if sendErr != nil && ctx.Err() != nil {
		m.log.Info("shutdown during attempt, not recorded",
			logx.String("slot", a.Slot.ID),
			logx.Int("attempts", a.Attempts),
		)
		return ctx.Err()
	}

	now := m.clock.Now()
	a.Attempts++
	// Outcomes must be recorded even if shutdown starts right after the send.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if sendErr == nil {
		err := m.persist(pctx, "mark delivered", func(ctx context.Context) error {
			return m.store.MarkDelivered(ctx, a.Slot.ID, a.Attempts, now)
		})
		if err != nil {
			return m.reconcile(pctx, a, err)
		}
		a.moveTo(StateDelivered)
		a.LastErr = nil
		a.NextRetryAt = time.Time{}
		m.log.Info("delivered",
			logx.String("slot", a.Slot.ID),
			logx.Int("attempts", a.Attempts),
		)
		m.obs.Resolved(a)
		return nil
	}

	a.LastErr = sendErr
	dec := retry.DecideErr(a.Attempts, m.policy, sendErr, m.rng)
	if dec.GiveUp {
		return m.abandonCtx(pctx, a, sendErr.Error())
	}

	err = m.persist(pctx, "mark attempt", func(ctx context.Context) error {
		return m.store.MarkAttempt(ctx, a.Slot.ID, a.Attempts, now, sendErr.Error())
	})
	if err != nil {
		return m.reconcile(pctx, a, err)
	}
	a.NextRetryAt = now.Add(dec.After)
	m.log.Warn("attempt failed, retry scheduled",
		logx.String("slot", a.Slot.ID),
		logx.Int("attempts", a.Attempts),
		logx.String("kind", transport.KindOf(sendErr).String()),
		logx.Duration("after", dec.After),
		logx.Err(sendErr),
	)
	m.obs.RetryScheduled(a, dec.After)
	return nil
}

// Abandon resolves a as abandoned without another attempt.
func (m *Machine) Abandon(ctx context.Context, a *Attempt, reason string) error {
	if a.State.Terminal() {
		return nil
	}
	return m.abandon(ctx, a, reason)
}

func (m *Machine) abandon(ctx context.Context, a *Attempt, reason string) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return m.abandonCtx(pctx, a, reason)
}

func (m *Machine) abandonCtx(ctx context.Context, a *Attempt, reason string) error {
	now := m.clock.Now()
	err := m.persist(ctx, "mark abandoned", func(ctx context.Context) error {
		return m.store.MarkAbandoned(ctx, a.Slot.ID, a.Attempts, now, reason)
	})
	if err != nil {
		return m.reconcile(ctx, a, err)
	}
	a.State = StateAbandoned
	a.NextRetryAt = time.Time{}
	m.log.Error("delivery abandoned",
		logx.String("slot", a.Slot.ID),
		logx.Int("attempts", a.Attempts),
		logx.String("reason", reason),
	)
	m.obs.Resolved(a)
	return nil
}

// attempt composes (once per run) and sends. Composer failures count as a
// failed attempt like any transient send error.
func (m *Machine) attempt(ctx context.Context, a *Attempt) (err error) {
	if !a.composed {
		text, cerr := m.composer.Compose(ctx)
		if cerr != nil {
			return transport.Transient(fmt.Errorf("compose: %w", cerr))
		}
		a.Content = text
		a.composed = true
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = transport.Transient(fmt.Errorf("send panic: %v", r))
			m.log.Error("send panic", logx.String("slot", a.Slot.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		m.obs.SendFinished(a.Slot.ID, m.clock.Now().Sub(start), err)
	}()

	m.log.Debug("sending",
		logx.String("slot", a.Slot.ID),
		logx.Int("attempt", a.Attempts+1),
		logx.String("key", transport.IdempotencyKey(a.Slot.ID)),
	)
	err = m.sender.Send(sendCtx, transport.Message{
		Text:           a.Content,
		IdempotencyKey: transport.IdempotencyKey(a.Slot.ID),
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = transport.Transient(fmt.Errorf("send timeout after %s: %w", m.sendTimeout, err))
	}
	return err
}

// reconcile handles a failed outcome write. ErrTerminal means the record was
// resolved elsewhere: adopt the stored state instead of failing.
func (m *Machine) reconcile(ctx context.Context, a *Attempt, err error) error {
	if !errors.Is(err, storage.ErrTerminal) {
		return err
	}
	rec, gerr := m.store.Get(ctx, a.Slot.ID)
	if gerr != nil {
		return err
	}
	a.State = stateOf(rec.Status, rec.Attempts)
	a.Attempts = rec.Attempts
	a.NextRetryAt = time.Time{}
	m.log.Warn("slot resolved concurrently", logx.String("slot", a.Slot.ID), logx.String("status", string(rec.Status)))
	return nil
}

// persist runs a store operation, retrying I/O failures with the storage
// policy. Logic errors (ErrNotFound, ErrTerminal) and ctx errors are returned
// as is.
func (m *Machine) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	for n := 1; ; n++ {
		err := fn(ctx)
		if err == nil || !storage.IsIO(err) {
			return err
		}
		dec := retry.Decide(n, m.storagePolicy, m.rng)
		if dec.GiveUp {
			m.log.Error("storage write failed, giving up",
				logx.String("op", op),
				logx.Int("tries", n),
				logx.Err(err),
			)
			return fmt.Errorf("%w: %s: %w", ErrStorageExhausted, op, err)
		}
		m.log.Warn("storage write failed, retrying",
			logx.String("op", op),
			logx.Int("try", n),
			logx.Duration("after", dec.After),
			logx.Err(err),
		)
		m.obs.StorageRetried(op, err)
		if serr := m.clock.Sleep(ctx, dec.After); serr != nil {
			return serr
		}
	}
}
