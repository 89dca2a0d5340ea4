// Package clock provides a pausable countdown used for chess clocks and
// room-level timeouts.
//
// Elapsed time is computed from wall-clock arithmetic on demand; the only
// scheduled work is the single wake-up that fires the expiry callback.
package clock

import (
	"sync"
	"time"
)

// Clock is a stoppable/resumable countdown. The zero value is not usable; use New.
type Clock struct {
	mu sync.Mutex

	onExpire  func()
	remaining time.Duration
	startedAt time.Time
	running   bool

	timer *time.Timer
	// gen identifies the current schedule. A timer goroutine that wakes up
	// after its schedule was superseded sees a different gen and does nothing.
	gen uint64
}

// New creates a stopped clock holding initial time. onExpire may be nil.
func New(onExpire func(), initial time.Duration) *Clock {
	if initial < 0 {
		initial = 0
	}
	return &Clock{onExpire: onExpire, remaining: initial}
}

// Start schedules expiry after the remaining time. If reset is given the
// remaining time is replaced by reset[0] first.
// Callers pause or stop a running clock before starting it again; a running
// clock is rescheduled from its live remaining value.
func (c *Clock) Start(reset ...time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.pauseLocked()
	}
	if len(reset) > 0 {
		c.remaining = reset[0]
		if c.remaining < 0 {
			c.remaining = 0
		}
	}
	c.scheduleLocked()
}

// Pause freezes the countdown. No-op if the clock is not running.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseLocked()
}

// Stop cancels any pending expiry and forces the remaining time to zero.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.remaining = 0
	c.running = false
}

// AddTime adds d to the budget. A running clock keeps running from the new value.
func (c *Clock) AddTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.remaining = clampZero(c.remaining + d)
		return
	}
	c.pauseLocked()
	c.remaining = clampZero(c.remaining + d)
	c.scheduleLocked()
}

// Remaining returns the live remaining time without mutating state.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return clampZero(c.remaining - time.Since(c.startedAt))
	}
	return c.remaining
}

// Running reports whether an expiry is pending.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Clock) scheduleLocked() {
	c.gen++
	gen := c.gen
	c.startedAt = time.Now()
	c.running = true
	c.timer = time.AfterFunc(c.remaining, func() { c.expire(gen) })
}

func (c *Clock) pauseLocked() {
	if !c.running {
		return
	}
	c.cancelLocked()
	c.remaining = clampZero(c.remaining - time.Since(c.startedAt))
	c.running = false
}

func (c *Clock) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Clock) expire(gen uint64) {
	c.mu.Lock()
	if !c.running || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.remaining = 0
	c.running = false
	c.timer = nil
	cb := c.onExpire
	c.mu.Unlock()

	// 콜백은 락 밖에서 실행: 호출자가 다시 Clock 메서드를 부를 수 있음
	if cb != nil {
		cb()
	}
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
