// Package queue implements the bounded FIFO hand-off between worker goroutines
// and a connection's event loop.
//
// A Queue is a buffered channel underneath: sends and receives are FIFO and safe
// for any number of producers and consumers, and a full queue pushes back on the
// producer instead of growing.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrFull is returned when the bounded wait for free space runs out.
	// Nothing was enqueued; the producer decides whether to drop, retry or escalate.
	ErrFull = errors.New("queue: full")
)

type Queue[T any] struct {
	ch     chan T
	notify atomic.Pointer[func()]
}

// New creates a queue holding at most capacity entries.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// OnOffer installs fn to be called after every successful enqueue, from the
// producer's goroutine. The event loop uses it to wake up when work arrives.
func (q *Queue[T]) OnOffer(fn func()) {
	if fn == nil {
		q.notify.Store(nil)
		return
	}
	q.notify.Store(&fn)
}

func (q *Queue[T]) offered() {
	if fn := q.notify.Load(); fn != nil {
		(*fn)()
	}
}

// TryOffer enqueues v only if there is room right now.
func (q *Queue[T]) TryOffer(v T) bool {
	select {
	case q.ch <- v:
		q.offered()
		return true
	default:
		return false
	}
}

// Offer enqueues v, waiting at most timeout for space. A timeout <= 0 never waits.
func (q *Queue[T]) Offer(v T, timeout time.Duration) error {
	if q.TryOffer(v) {
		return nil
	}
	if timeout <= 0 {
		return ErrFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- v:
		q.offered()
		return nil
	case <-timer.C:
		return ErrFull
	}
}

// OfferContext enqueues v, waiting until space frees up or ctx is done.
func (q *Queue[T]) OfferContext(ctx context.Context, v T) error {
	if q.TryOffer(v) {
		return nil
	}
	select {
	case q.ch <- v:
		q.offered()
		return nil
	case <-ctx.Done():
		return ErrFull
	}
}

// TryPoll dequeues the head entry if one is available.
func (q *Queue[T]) TryPoll() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Poll dequeues the head entry, waiting at most timeout for one to arrive.
// It blocks on the channel; there is no sleep-and-recheck.
func (q *Queue[T]) Poll(timeout time.Duration) (T, bool) {
	if v, ok := q.TryPoll(); ok || timeout <= 0 {
		return v, ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// PollContext dequeues the head entry, waiting until one arrives or ctx is done.
func (q *Queue[T]) PollContext(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// C exposes the receive side for consumers that select over several sources.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }
