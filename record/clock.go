package record

import "time"

// Clock abstracts wall time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending timer. Stop reports whether the call prevented
// the fire.
type Stopper interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// SystemClock returns the Clock backed by package time.
func SystemClock() Clock { return systemClock{} }

// timerHandle owns at most one pending timer. Every arm or cancel bumps the
// generation, so a fire delivered after a cancel or re-arm is discarded by
// consume.
type timerHandle struct {
	stop Stopper
	gen  uint64
}

// arm cancels any pending fire and schedules fire(gen) after d.
func (h *timerHandle) arm(c Clock, d time.Duration, fire func(gen uint64)) {
	h.cancel()
	gen := h.gen
	h.stop = c.AfterFunc(d, func() { fire(gen) })
}

// cancel is idempotent.
func (h *timerHandle) cancel() {
	if h.stop != nil {
		h.stop.Stop()
		h.stop = nil
	}
	h.gen++
}

// consume reports whether gen is the live fire and disarms the handle.
func (h *timerHandle) consume(gen uint64) bool {
	if h.stop == nil || gen != h.gen {
		return false
	}
	h.stop = nil
	return true
}

func (h *timerHandle) armed() bool { return h.stop != nil }
