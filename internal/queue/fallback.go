package queue

import (
	"context"
	"errors"
	"sync"
)

// Fallback serves from a durable Queue until the first storage failure, then
// routes every later call to an in-memory Session for the rest of the
// process. onDegrade runs once, with the error that caused it.
type Fallback struct {
	primary   Queue
	session   *Session
	onDegrade func(error)

	mu       sync.RWMutex
	degraded bool
	once     sync.Once
}

// NewFallback wraps primary, which may be nil when the store never opened;
// in that case the queue starts degraded and the caller reports it with
// Degrade.
func NewFallback(primary Queue, onDegrade func(error)) *Fallback {
	return &Fallback{
		primary:   primary,
		session:   NewSession(),
		onDegrade: onDegrade,
		degraded:  primary == nil,
	}
}

// Degrade switches to the session queue and fires the callback once.
func (f *Fallback) Degrade(err error) {
	f.mu.Lock()
	f.degraded = true
	f.mu.Unlock()

	f.once.Do(func() {
		if f.onDegrade != nil {
			f.onDegrade(err)
		}
	})
}

func (f *Fallback) active() Queue {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return f.session
	}
	return f.primary
}

// Durable reports whether writes still reach the durable store.
func (f *Fallback) Durable() bool {
	return f.active().Durable()
}

// check degrades on storage failures and tells the caller whether to retry
// against the session queue. A caller giving up on its own context is not a
// storage failure.
func (f *Fallback) check(q Queue, err error) bool {
	if err == nil || !IsUnavailable(err) || q == Queue(f.session) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	f.Degrade(err)
	return true
}

func (f *Fallback) SavePending(ctx context.Context, sub Submission) (int64, error) {
	q := f.active()
	id, err := q.SavePending(ctx, sub)
	if f.check(q, err) {
		return f.session.SavePending(ctx, sub)
	}
	return id, err
}

func (f *Fallback) GetPending(ctx context.Context) ([]Operation, error) {
	q := f.active()
	ops, err := q.GetPending(ctx)
	if f.check(q, err) {
		return f.session.GetPending(ctx)
	}
	return ops, err
}

func (f *Fallback) ClearPending(ctx context.Context, id int64) error {
	q := f.active()
	err := q.ClearPending(ctx, id)
	if f.check(q, err) {
		return f.session.ClearPending(ctx, id)
	}
	return err
}

func (f *Fallback) UpdateRetryCount(ctx context.Context, id int64, retries int) error {
	q := f.active()
	err := q.UpdateRetryCount(ctx, id, retries)
	if f.check(q, err) {
		return f.session.UpdateRetryCount(ctx, id, retries)
	}
	return err
}

func (f *Fallback) DropPending(ctx context.Context, id int64, reason string) (bool, error) {
	q := f.active()
	ok, err := q.DropPending(ctx, id, reason)
	if f.check(q, err) {
		return f.session.DropPending(ctx, id, reason)
	}
	return ok, err
}

func (f *Fallback) GetPendingCount(ctx context.Context) (Counts, error) {
	q := f.active()
	c, err := q.GetPendingCount(ctx)
	if f.check(q, err) {
		return f.session.GetPendingCount(ctx)
	}
	return c, err
}

func (f *Fallback) ClearAllPending(ctx context.Context) error {
	q := f.active()
	err := q.ClearAllPending(ctx)
	if f.check(q, err) {
		return f.session.ClearAllPending(ctx)
	}
	return err
}

func (f *Fallback) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q := f.active()
	dl, err := q.DeadLetters(ctx)
	if f.check(q, err) {
		return f.session.DeadLetters(ctx)
	}
	return dl, err
}

func (f *Fallback) ClearDeadLetters(ctx context.Context) error {
	q := f.active()
	err := q.ClearDeadLetters(ctx)
	if f.check(q, err) {
		return f.session.ClearDeadLetters(ctx)
	}
	return err
}
