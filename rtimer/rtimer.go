// Package rtimer provides the high-precision tick clock driving the slot
// engine. Ticks are 32-bit and wrap; all comparisons and deadline checks are
// wraparound-aware. Two implementations are provided: SystemClock maps ticks
// onto the monotonic wall clock, VirtualClock is advanced manually and makes
// slot-level tests fully deterministic.
package rtimer

import (
	"runtime"
	"sync"
	"time"
)

// Tick is a point on the 32-bit wrapping slot clock.
type Tick uint32

// MinDelay is the shortest lead time a timer can be armed with. Deadlines
// closer than this count as missed.
const MinDelay Tick = 2

// Before reports whether a precedes b on the wrapping clock.
func Before(a, b Tick) bool {
	return int32(a-b) < 0
}

// Missed reports whether the deadline ref+offset has already passed at now.
// Both the now-wrapped and target-wrapped cases are considered, assuming at
// most a single overflow between ref and now.
func Missed(ref, offset, now Tick) bool {
	target := ref + offset - MinDelay
	nowOverflowed := now < ref
	targetOverflowed := target < ref
	if nowOverflowed == targetOverflowed {
		return target <= now
	}
	// Exactly one of the two wrapped. If it was now, the target has passed;
	// if it was the target, it is still ahead of us.
	return nowOverflowed
}

// Clock is the timing surface the slot engine runs against.
type Clock interface {
	// Now returns the current tick.
	Now() Tick
	// SleepUntil blocks until the given absolute tick, returning immediately
	// if it has already passed.
	SleepUntil(t Tick)
	// Schedule arms the one-shot slot timer to invoke fn at the given
	// absolute tick, replacing any pending arm. fn runs on its own goroutine
	// on SystemClock and inline on VirtualClock.RunPending.
	Schedule(at Tick, fn func())
	// Cancel disarms a pending Schedule, if any.
	Cancel()
}

// BusywaitUntil polls cond until it holds or the absolute deadline ref+offset
// passes, then returns the final value of cond. A missed deadline degrades to
// a single check. Each poll steps the clock by one tick so the wait also
// terminates on a manually driven VirtualClock.
func BusywaitUntil(c Clock, cond func() bool, ref, offset Tick) bool {
	if !Missed(ref, offset, c.Now()) {
		for !cond() && Before(c.Now(), ref+offset) {
			c.SleepUntil(c.Now() + 1)
			runtime.Gosched()
		}
	}
	return cond()
}

// SystemClock implements Clock over the process monotonic clock.
type SystemClock struct {
	tick time.Duration
	base time.Time

	mu    sync.Mutex
	timer *time.Timer
}

// NewSystemClock builds a clock with the given tick resolution.
func NewSystemClock(tick time.Duration) *SystemClock {
	return &SystemClock{tick: tick, base: time.Now()}
}

// Clone returns a clock on the same time base with its own timer slot. Each
// slot engine needs its own timer; cloned clocks agree on Now, so
// timestamps stay comparable across them.
func (c *SystemClock) Clone() *SystemClock {
	return &SystemClock{tick: c.tick, base: c.base}
}

func (c *SystemClock) Now() Tick {
	return Tick(time.Since(c.base) / c.tick)
}

func (c *SystemClock) SleepUntil(t Tick) {
	delta := int32(t - c.Now())
	if delta > 0 {
		time.Sleep(time.Duration(delta) * c.tick)
	}
}

func (c *SystemClock) Schedule(at Tick, fn func()) {
	delta := int32(at - c.Now())
	if delta < 0 {
		delta = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(time.Duration(delta)*c.tick, fn)
}

func (c *SystemClock) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// VirtualClock implements Clock for tests and simulation. Time moves only
// when the test advances it: SleepUntil jumps straight to the target and
// RunPending executes the armed timer inline.
type VirtualClock struct {
	mu      sync.Mutex
	now     Tick
	armed   bool
	armedAt Tick
	fn      func()
}

// NewVirtualClock starts a virtual clock at the given tick.
func NewVirtualClock(start Tick) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) SleepUntil(t Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if Before(c.now, t) {
		c.now = t
	}
}

// Advance moves the clock forward to the given tick without running timers.
func (c *VirtualClock) Advance(t Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if Before(c.now, t) {
		c.now = t
	}
}

func (c *VirtualClock) Schedule(at Tick, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.armedAt = at
	c.fn = fn
}

func (c *VirtualClock) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.fn = nil
}

// Armed reports whether a timer is pending and at which tick.
func (c *VirtualClock) Armed() (Tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedAt, c.armed
}

// RunPending advances the clock to the armed deadline and executes the timer
// inline. It returns false if no timer is armed. The timer is disarmed before
// fn runs so that fn may re-arm.
func (c *VirtualClock) RunPending() bool {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return false
	}
	fn := c.fn
	if Before(c.now, c.armedAt) {
		c.now = c.armedAt
	}
	c.armed = false
	c.fn = nil
	c.mu.Unlock()

	fn()
	return true
}
