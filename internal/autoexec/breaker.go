package autoexec

import (
	"sync/atomic"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // normal operation
	BreakerOpen     BreakerState = "open"      // execution halted
	BreakerHalfOpen BreakerState = "half_open" // one trial allowed
)

// breaker trips after threshold consecutive execution errors. With a
// cooldown it lets a single trial signal through once the cooldown has
// passed; a successful trial closes it, a failed one restarts the cooldown.
type breaker struct {
	threshold atomic.Int64
	cooldown  atomic.Int64 // nanoseconds; 0 means manual reset only
	errors    atomic.Int64
	trippedAt atomic.Int64 // unix nanoseconds; 0 when closed
	inTrial   atomic.Bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	b := &breaker{}
	b.configure(threshold, cooldown)
	return b
}

func (b *breaker) configure(threshold int, cooldown time.Duration) {
	b.threshold.Store(int64(threshold))
	b.cooldown.Store(int64(cooldown))
}

// ready reports whether a signal may enter the pipeline. It does not claim
// the half-open trial slot.
func (b *breaker) ready(now time.Time) bool {
	if b.errors.Load() < b.threshold.Load() {
		return true
	}
	return b.cooledDown(now) && !b.inTrial.Load()
}

// acquire is called right before an execution. ok is false while the breaker
// is open or another trial is in flight; trial is true when this caller holds
// the half-open slot and must end it with failure, success or release.
func (b *breaker) acquire(now time.Time) (trial, ok bool) {
	if b.errors.Load() < b.threshold.Load() {
		return false, true
	}
	if !b.cooledDown(now) {
		return false, false
	}
	if b.inTrial.CompareAndSwap(false, true) {
		return true, true
	}
	return false, false
}

// release frees a trial slot whose signal ended before reaching the
// executor.
func (b *breaker) release() {
	b.inTrial.Store(false)
}

func (b *breaker) cooledDown(now time.Time) bool {
	cd := b.cooldown.Load()
	tripped := b.trippedAt.Load()
	return cd > 0 && tripped != 0 && now.UnixNano()-tripped >= cd
}

// failure counts an execution error and reports whether the breaker just
// opened.
func (b *breaker) failure(now time.Time) bool {
	n := b.errors.Add(1)
	if b.inTrial.CompareAndSwap(true, false) {
		b.trippedAt.Store(now.UnixNano())
		return true
	}
	if n >= b.threshold.Load() {
		return b.trippedAt.CompareAndSwap(0, now.UnixNano())
	}
	return false
}

func (b *breaker) success() {
	b.reset()
}

func (b *breaker) reset() {
	b.errors.Store(0)
	b.trippedAt.Store(0)
	b.inTrial.Store(false)
}

func (b *breaker) consecutiveErrors() int {
	return int(b.errors.Load())
}

func (b *breaker) state(now time.Time) BreakerState {
	if b.errors.Load() < b.threshold.Load() {
		return BreakerClosed
	}
	if b.inTrial.Load() || b.cooledDown(now) {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

func (b *breaker) openedAt() *time.Time {
	ns := b.trippedAt.Load()
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}
