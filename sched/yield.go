// Package sched provides cooperative yielding for long synchronous loops.
//
// Evidence filtering, possessive parsing, and graph inference can run for
// hundreds of milliseconds over large books. A Yielder threaded through
// those loop bodies periodically hands the scheduler a chance to run other
// goroutines and observes context cancellation, without the caller having
// to count iterations.
package sched

import (
	"context"
	"runtime"
	"time"
)

// defaultSlice is the time budget between yields.
const defaultSlice = 12 * time.Millisecond

// Yielder yields control after a time slice has elapsed. The zero value is
// not usable; use New. A nil *Yielder is a no-op, so callers can thread one
// through unconditionally.
type Yielder struct {
	slice time.Duration
	last  time.Time
}

// New returns a Yielder with the default ~12ms slice.
func New() *Yielder {
	return &Yielder{slice: defaultSlice, last: time.Now()}
}

// NewWithSlice returns a Yielder with a custom slice. Used in tests.
func NewWithSlice(slice time.Duration) *Yielder {
	return &Yielder{slice: slice, last: time.Now()}
}

// Maybe yields to the scheduler if the current slice is exhausted and
// returns ctx.Err() if the context has been cancelled. Cheap when the
// slice has time remaining.
func (y *Yielder) Maybe(ctx context.Context) error {
	if y == nil {
		return nil
	}
	now := time.Now()
	if now.Sub(y.last) < y.slice {
		return nil
	}
	y.last = now
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}
