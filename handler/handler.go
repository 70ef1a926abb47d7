// Package handler provides the serial task executor that all address-manager
// state changes run on, plus alarms that post back onto it.
package handler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"
)

// Handler runs posted tasks one at a time on a single goroutine. Tasks posted
// from within a running task are queued behind it, never run reentrantly.
type Handler struct {
	logger *zap.SugaredLogger
	clk    clock.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	loopDone chan struct{}
}

// New returns a started handler using the wall clock.
func New(logger *zap.SugaredLogger) *Handler {
	return NewWithClock(logger, clock.New())
}

// NewWithClock returns a started handler whose alarms and timeouts are driven
// by clk. Tests pass a clock.Mock to control time.
func NewWithClock(logger *zap.SugaredLogger, clk clock.Clock) *Handler {
	h := &Handler{
		logger:   logger,
		clk:      clk,
		loopDone: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	goutils.PanicCapturingGo(h.loop)
	return h
}

func (h *Handler) loop() {
	defer close(h.loopDone)
	h.mu.Lock()
	for {
		for len(h.queue) == 0 && !h.stopped {
			h.cond.Wait()
		}
		if h.stopped && len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		task := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		task()
		h.mu.Lock()
	}
}

// Post queues task for execution. Posting to a stopped handler is a no-op.
func (h *Handler) Post(task func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		h.logger.Debug("dropping task posted after handler stop")
		return
	}
	h.queue = append(h.queue, task)
	h.cond.Signal()
}

// Call posts task and blocks until it has run, or until timeout elapses.
// Returns false on timeout or if the handler is stopped.
func (h *Handler) Call(task func(), timeout time.Duration) bool {
	done := make(chan struct{})
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, func() {
		task()
		close(done)
	})
	h.cond.Signal()
	h.mu.Unlock()

	select {
	case <-done:
		return true
	case <-h.clk.After(timeout):
		return false
	}
}

// Sync blocks until every task posted before it has run. Used by tests to
// flush the queue after driving a mock clock.
func (h *Handler) Sync() {
	done := make(chan struct{})
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, func() { close(done) })
	h.cond.Signal()
	h.mu.Unlock()
	<-done
}

// Now returns the handler clock's current time.
func (h *Handler) Now() time.Time {
	return h.clk.Now()
}

// Stop drains remaining tasks and shuts the loop down. Further posts are
// dropped.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.loopDone
		return
	}
	h.stopped = true
	h.cond.Signal()
	h.mu.Unlock()
	<-h.loopDone
}
