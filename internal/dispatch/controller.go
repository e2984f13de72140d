// Package dispatch runs the single control loop that turns due schedule
// slots into deliveries.
//
// One slot is resolved to a terminal state, or suspended awaiting a retry,
// before the next due instant is computed. Suspended slots never block the
// loop: it sleeps until the earliest of the next slot's wake-up and the
// earliest pending retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lovebot/internal/delivery"
	"lovebot/internal/schedule"
	"lovebot/internal/storage"
	logx "lovebot/pkg/logx"
)

const (
	MissedLatest = "latest"
	MissedSkip   = "skip"

	// maxEnumerate bounds missed-slot enumeration after long downtime.
	maxEnumerate = 10000
)

// Observer extends delivery events with loop-level events.
type Observer interface {
	delivery.Observer
	SlotSkipped(slotID, reason string)
	LoopState(nextDue time.Time, suspended int)
}

type nopObserver struct{ delivery.NopObserver }

func (nopObserver) SlotSkipped(string, string) {}
func (nopObserver) LoopState(time.Time, int)   {}

type Config struct {
	Cadence schedule.Cadence
	// CatchUpWindow is how late a slot may still be delivered: after
	// downtime (missed slots) and after a late wake-up (host suspend).
	CatchUpWindow time.Duration
	// Missed is MissedLatest or MissedSkip.
	Missed string
}

type Deps struct {
	Machine  *delivery.Machine
	Store    storage.Store
	Clock    schedule.Clock
	Rand     schedule.Rand
	Log      logx.Logger
	Observer Observer
}

type Controller struct {
	cfg     Config
	machine *delivery.Machine
	store   storage.Store
	clock   schedule.Clock
	rng     schedule.Rand
	log     logx.Logger
	obs     Observer

	// Owned by the Run goroutine.
	suspended map[string]*delivery.Attempt
	next      schedule.Due

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	status Status
}

func New(d Deps, cfg Config) *Controller {
	if d.Clock == nil {
		d.Clock = schedule.SystemClock{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if cfg.Missed == "" {
		cfg.Missed = MissedLatest
	}
	return &Controller{
		cfg:       cfg,
		machine:   d.Machine,
		store:     d.Store,
		clock:     d.Clock,
		rng:       d.Rand,
		log:       d.Log,
		obs:       d.Observer,
		suspended: map[string]*delivery.Attempt{},
		ready:     make(chan struct{}),
		status:    Status{State: StateStarting, Cadence: cfg.Cadence.String()},
	}
}

// Ready is closed once recovery and missed-slot handling are done.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run recovers persisted state and then runs the loop until ctx is done.
// It returns nil on shutdown and an error only when the store fails for
// good (delivery.ErrStorageExhausted or another store error).
func (c *Controller) Run(ctx context.Context) error {
	err := c.run(ctx)
	c.setState(StateStopped)
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func (c *Controller) run(ctx context.Context) error {
	c.mu.Lock()
	c.status.StartedAt = c.clock.Now()
	c.mu.Unlock()

	if err := c.recoverUnresolved(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	cursor, err := c.catchUp(ctx)
	if err != nil {
		return fmt.Errorf("catch up: %w", err)
	}
	c.readyOnce.Do(func() { close(c.ready) })

	c.next = schedule.NextDue(c.cfg.Cadence, cursor, c.rng)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runDueRetries(ctx); err != nil {
			return err
		}

		now := c.clock.Now()
		if !c.next.Slot.IsZero() && !now.Before(c.next.WakeAt) {
			after, err := c.runSlot(ctx, c.next, now)
			if err != nil {
				return err
			}
			c.next = schedule.NextDue(c.cfg.Cadence, after, c.rng)
			continue
		}

		wake := c.nextWake()
		c.publish(StateIdle)
		if wake.IsZero() {
			c.log.Warn("schedule has no further slots; idling until shutdown")
			<-ctx.Done()
			return ctx.Err()
		}
		c.log.Debug("sleeping", logx.Time("until", wake), logx.Int("suspended", len(c.suspended)))
		if err := schedule.SleepUntil(ctx, c.clock, wake); err != nil {
			return err
		}
	}
}

// recoverUnresolved resumes every pending record left by a previous run.
func (c *Controller) recoverUnresolved(ctx context.Context) error {
	recs, err := c.store.Unresolved(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		a, err := c.machine.Resume(ctx, rec)
		if err != nil {
			return err
		}
		if a.State.Terminal() {
			c.noteResolved(a)
			continue
		}
		c.suspended[a.Slot.ID] = a
		c.log.Info("resuming unresolved slot",
			logx.String("slot", a.Slot.ID),
			logx.Int("attempts", a.Attempts),
			logx.Time("next_retry_at", a.NextRetryAt),
		)
	}
	c.mu.Lock()
	c.status.Recovered = len(c.suspended)
	c.mu.Unlock()

	if rec, ok, err := c.store.Latest(ctx); err != nil {
		return err
	} else if ok && rec.Terminal() {
		c.mu.Lock()
		r := rec
		c.status.Last = &r
		c.mu.Unlock()
	}
	return nil
}

// catchUp handles slots that fell due while the process was down. It
// returns the instant after which regular scheduling continues.
func (c *Controller) catchUp(ctx context.Context) (time.Time, error) {
	now := c.clock.Now()
	latest, hasLatest, err := c.store.Latest(ctx)
	if err != nil {
		return time.Time{}, err
	}
	cursor := now
	if hasLatest && latest.DueAt.After(cursor) {
		cursor = latest.DueAt
	}

	prev, ok := schedule.PrevDue(c.cfg.Cadence, now)
	if !ok || (hasLatest && !prev.DueAt.After(latest.DueAt)) {
		return cursor, nil
	}
	if _, err := c.store.Get(ctx, prev.ID); err == nil {
		return cursor, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, err
	}

	// Slots strictly older than prev that were never begun. A fresh store
	// has no history to account for.
	var older []schedule.Slot
	truncated := false
	if hasLatest {
		older, truncated = schedule.Between(c.cfg.Cadence, latest.DueAt, prev.DueAt.Add(-time.Nanosecond), maxEnumerate)
	}

	age := now.Sub(prev.DueAt)
	inWindow := age <= c.cfg.CatchUpWindow
	switch {
	case c.cfg.Missed == MissedLatest && inWindow:
		c.log.Info("delivering missed slot", logx.String("slot", prev.ID), logx.Duration("late", age))
		a, err := c.machine.Begin(ctx, prev)
		if err != nil {
			return time.Time{}, err
		}
		if !a.State.Terminal() {
			c.suspended[a.Slot.ID] = a
		}
	case hasLatest:
		// Leave a record so the gap is visible and not recounted next start.
		older = append(older, prev)
		if err := c.abandonMissed(ctx, prev, age); err != nil {
			return time.Time{}, err
		}
	}

	c.noteSkipped(older, truncated, "missed", "skipped slots missed while down")
	if prev.DueAt.After(cursor) {
		cursor = prev.DueAt
	}
	return cursor, nil
}

// noteSkipped counts skipped slots and logs them as one range.
func (c *Controller) noteSkipped(older []schedule.Slot, truncated bool, reason, msg string) {
	if len(older) == 0 {
		return
	}
	for _, s := range older {
		c.obs.SlotSkipped(s.ID, reason)
	}
	fields := []logx.Field{
		logx.Int("count", len(older)),
		logx.String("first", older[0].ID),
		logx.String("last", older[len(older)-1].ID),
		logx.String("policy", c.cfg.Missed),
	}
	if truncated {
		fields = append(fields, logx.Bool("truncated", true))
	}
	c.log.Warn(msg, fields...)
	c.mu.Lock()
	c.status.Skipped += len(older)
	c.mu.Unlock()
}

func (c *Controller) abandonMissed(ctx context.Context, slot schedule.Slot, late time.Duration) error {
	a, err := c.machine.Begin(ctx, slot)
	if err != nil {
		return err
	}
	if a.State.Terminal() {
		return nil
	}
	reason := fmt.Sprintf("missed: due %s ago", late.Truncate(time.Second))
	if err := c.machine.Abandon(ctx, a, reason); err != nil {
		return err
	}
	c.noteResolved(a)
	return nil
}

// runDueRetries steps every suspended slot whose retry time has come,
// oldest slot first.
func (c *Controller) runDueRetries(ctx context.Context) error {
	now := c.clock.Now()
	var due []*delivery.Attempt
	for _, a := range c.suspended {
		if a.Due(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Slot.DueAt.Before(due[j].Slot.DueAt) })
	for _, a := range due {
		if err := c.step(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// runSlot handles a slot whose wake time has come and returns the instant
// after which scheduling continues.
func (c *Controller) runSlot(ctx context.Context, d schedule.Due, now time.Time) (time.Time, error) {
	if late := now.Sub(d.WakeAt); late > c.cfg.CatchUpWindow {
		return c.recoverLateWake(ctx, d, now, late)
	}
	return d.Slot.DueAt, c.begin(ctx, d.Slot, now)
}

// recoverLateWake treats a wake-up long after d (host suspend) like a
// restart: only the latest slot due by now is delivered or recorded, and
// the older ones are counted.
func (c *Controller) recoverLateWake(ctx context.Context, d schedule.Due, now time.Time, late time.Duration) (time.Time, error) {
	prev, ok := schedule.PrevDue(c.cfg.Cadence, now)
	if !ok || prev.DueAt.Before(d.Slot.DueAt) {
		prev = d.Slot
	}
	c.log.Warn("woke up too late for slot",
		logx.String("slot", d.Slot.ID),
		logx.Duration("late", late),
		logx.String("latest", prev.ID),
	)
	older, truncated := schedule.Between(c.cfg.Cadence, d.Slot.DueAt.Add(-time.Nanosecond), prev.DueAt.Add(-time.Nanosecond), maxEnumerate)

	var err error
	age := now.Sub(prev.DueAt)
	switch _, resumed := c.suspended[prev.ID]; {
	case resumed:
	case c.cfg.Missed == MissedLatest && age <= c.cfg.CatchUpWindow:
		c.log.Info("delivering missed slot", logx.String("slot", prev.ID), logx.Duration("late", age))
		err = c.begin(ctx, prev, now)
	default:
		older = append(older, prev)
		err = c.abandonMissed(ctx, prev, age)
	}
	c.noteSkipped(older, truncated, "late", "skipped slots missed while suspended")
	return prev.DueAt, err
}

// begin records slot as pending and makes the first attempt when due.
func (c *Controller) begin(ctx context.Context, slot schedule.Slot, now time.Time) error {
	if _, ok := c.suspended[slot.ID]; ok {
		// Already resumed from an earlier run; its retry time decides.
		return nil
	}
	a, err := c.machine.Begin(ctx, slot)
	if err != nil {
		return err
	}
	if a.State.Terminal() {
		c.log.Debug("slot already resolved", logx.String("slot", a.Slot.ID), logx.String("state", a.State.String()))
		return nil
	}
	c.suspended[a.Slot.ID] = a
	if !a.Due(now) {
		return nil
	}
	return c.step(ctx, a)
}

func (c *Controller) step(ctx context.Context, a *delivery.Attempt) error {
	c.publish(StateSending)
	before := a.Attempts
	if err := c.machine.Step(ctx, a); err != nil {
		return err
	}
	if a.State.Terminal() {
		delete(c.suspended, a.Slot.ID)
		c.noteResolved(a)
		return nil
	}
	if a.Attempts > before {
		c.mu.Lock()
		c.status.Retries++
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) nextWake() time.Time {
	var wake time.Time
	if !c.next.Slot.IsZero() {
		wake = c.next.WakeAt
	}
	for _, a := range c.suspended {
		if wake.IsZero() || a.NextRetryAt.Before(wake) {
			wake = a.NextRetryAt
		}
	}
	return wake
}

func (c *Controller) noteResolved(a *delivery.Attempt) {
	rec, err := c.store.Get(context.Background(), a.Slot.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch a.State {
	case delivery.StateDelivered:
		c.status.Delivered++
	case delivery.StateAbandoned:
		c.status.Abandoned++
	}
	if err == nil {
		c.status.Last = &rec
	}
}
