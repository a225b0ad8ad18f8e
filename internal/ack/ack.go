// Package ack implements the per-transition acknowledgement window the
// Transition Engine waits on before committing a power-state change.
// The single re-armed timer and cancel-checked-under-lock shape is
// grounded on the teacher's internal/hibernation.Timer
// (startTimer/stopTimer/onTimer), generalized from "one hibernation
// countdown" to "one outstanding ack deadline per in-flight transition,
// extendable by any client and abandonable without a late effect".
package ack

import (
	"sync"
	"time"
)

// Controller collects per-client acknowledgements (or waits out a
// deadline) for a single in-flight transition, then calls onComplete
// exactly once. A Controller is used for one transition only; the
// Transition Engine creates a new one per transition.
type Controller struct {
	mu         sync.Mutex
	deadline   time.Time
	timer      *time.Timer
	cancelled  bool
	completed  bool
	outstanding map[uint64]struct{}
	onComplete func()
}

// New creates a Controller with an initial effective delay and the set
// of client IDs whose acknowledgement is outstanding. onComplete is
// invoked from the timer goroutine or from the calling goroutine when
// the last outstanding client acks — callers must not assume either.
func New(initialDelay time.Duration, clientIDs []uint64, onComplete func()) *Controller {
	c := &Controller{
		outstanding: make(map[uint64]struct{}, len(clientIDs)),
		onComplete:  onComplete,
	}
	for _, id := range clientIDs {
		c.outstanding[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outstanding) == 0 {
		c.completed = true
		go onComplete()
		return c
	}
	c.arm(initialDelay)
	return c
}

func (c *Controller) arm(delay time.Duration) {
	c.deadline = time.Now().Add(delay)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.onTimer)
}

func (c *Controller) onTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.completed {
		return
	}
	c.completed = true
	c.onComplete()
}

// AckOf records an acknowledgement from clientID. If it was the last
// outstanding client, the controller completes immediately (from this
// goroutine) and the pending timer is stopped.
func (c *Controller) AckOf(clientID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.completed {
		return
	}
	delete(c.outstanding, clientID)
	if len(c.outstanding) > 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.completed = true
	c.onComplete()
}

// ExtendDelay pushes the deadline out to now+delay if that is later
// than the current deadline. It has no effect once completed or
// cancelled.
func (c *Controller) ExtendDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.completed {
		return
	}
	newDeadline := time.Now().Add(delay)
	if newDeadline.Before(c.deadline) {
		return
	}
	c.arm(delay)
}

// RemoveClient drops clientID from the outstanding set without
// requiring an acknowledgement from it. If it was the last outstanding
// client, the controller completes immediately.
func (c *Controller) RemoveClient(clientID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.completed {
		return
	}
	delete(c.outstanding, clientID)
	if len(c.outstanding) > 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.completed = true
	c.onComplete()
}

// Cancel abandons the controller: no completion notification is ever
// issued for it, even if the timer races with Cancel. The cancelled
// flag is checked under the same lock the timer callback takes, so a
// timer that has already started waiting on the lock when Cancel runs
// will see cancelled=true and produce no late effect.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.cancelled = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Outstanding reports the number of clients that have not yet
// acknowledged or been removed.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}
