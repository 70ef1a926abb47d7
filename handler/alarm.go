package handler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Alarm runs a task on its handler after a delay. A wake alarm models the
// wake-capable OS timer that fires even in low-power states; here the
// distinction is carried for scheduling policy and log context only.
type Alarm struct {
	h    *Handler
	wake bool

	mu    sync.Mutex
	timer *clock.Timer
}

// NewAlarm returns an unscheduled alarm bound to this handler.
func (h *Handler) NewAlarm(wake bool) *Alarm {
	return &Alarm{h: h, wake: wake}
}

// Schedule arms the alarm to post task after delay, replacing any previously
// scheduled firing.
func (a *Alarm) Schedule(task func(), delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.h.clk.AfterFunc(delay, func() {
		a.h.Post(task)
	})
}

// Cancel stops a pending firing, if any. A task already posted still runs.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Wake reports whether this is a wake-capable alarm.
func (a *Alarm) Wake() bool { return a.wake }
