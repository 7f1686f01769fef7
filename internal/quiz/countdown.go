package quiz

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Countdown is a per-question one-second countdown. It fires onTick once per
// second with the remaining value (timerSec-1 down to 0) and onExpire exactly
// once when the countdown reaches zero. Pause suspends it without losing the
// remaining value; Stop cancels it permanently. It knows nothing about quiz
// semantics.
//
// Each second is scheduled with clock.AfterFunc rather than a ticker so that
// Pause and Stop can cancel the pending fire synchronously from the caller's
// goroutine. Callbacks run without the Countdown lock held, so they may call
// back into Pause/Resume/Stop freely.
type Countdown struct {
	clock    clockwork.Clock
	onTick   func(remaining int)
	onExpire func()

	mu        sync.Mutex
	remaining int
	paused    bool
	stopped   bool
	timer     clockwork.Timer
}

// StartCountdown begins a countdown of the given number of seconds.
func StartCountdown(clock clockwork.Clock, seconds int, onTick func(remaining int), onExpire func()) *Countdown {
	c := &Countdown{
		clock:     clock,
		onTick:    onTick,
		onExpire:  onExpire,
		remaining: seconds,
	}
	c.timer = clock.AfterFunc(time.Second, c.fire)
	return c
}

func (c *Countdown) fire() {
	c.mu.Lock()
	if c.stopped || c.paused {
		c.mu.Unlock()
		return
	}
	c.remaining--
	rem := c.remaining
	if rem > 0 {
		c.timer = c.clock.AfterFunc(time.Second, c.fire)
	} else {
		c.stopped = true
	}
	c.mu.Unlock()

	c.onTick(rem)
	if rem <= 0 {
		c.onExpire()
	}
}

// Remaining reports the seconds left.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Pause suspends the countdown, preserving the remaining value. Idempotent.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.stopped {
		return
	}
	c.paused = true
	c.timer.Stop()
}

// Resume restarts a paused countdown; the next tick lands a full second
// after the resume. No-op unless paused.
func (c *Countdown) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.stopped {
		return
	}
	c.paused = false
	c.timer = c.clock.AfterFunc(time.Second, c.fire)
}

// Stop cancels the countdown permanently. Idempotent.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
