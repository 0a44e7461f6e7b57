package creche

import (
	"math"
	"math/rand/v2"
	"time"
)

// Clock is the time source for a run. Absolute times are float64
// seconds on an arbitrary monotonic scale, so +/-Inf are usable as
// "never" and "already passed" deadlines.
type Clock interface {
	// Start is called once at the beginning of the run, before any
	// task executes.
	Start()
	// Now returns the current time.
	Now() float64
	// SleepTime converts an absolute deadline into the real seconds
	// the run loop may block before the deadline is due. Returning
	// +Inf means the deadline never comes due on its own.
	SleepTime(deadline float64) float64
}

// SystemClock is the default clock. It follows real time but starts
// from a large random offset, so nothing can mistake its values for
// wall-clock or zero-based time and accidentally depend on either.
type SystemClock struct {
	offset float64
	base   time.Time
}

// NewSystemClock returns a clock following real time from a random
// origin.
func NewSystemClock() *SystemClock {
	return &SystemClock{offset: 10000 + rand.Float64()*190000}
}

func (c *SystemClock) Start() { c.base = time.Now() }

func (c *SystemClock) Now() float64 {
	return time.Since(c.base).Seconds() + c.offset
}

func (c *SystemClock) SleepTime(deadline float64) float64 {
	diff := deadline - c.Now()
	if diff <= 0 {
		return 0
	}
	return diff
}

// MockClock is a virtual clock for tests. Time stands still (rate 0)
// or runs at a multiple of real time, and can be moved forward
// explicitly with Jump or automatically with autojump: when the run
// has been idle for the configured real-time threshold, the clock
// jumps straight to the next deadline. A threshold of zero jumps as
// soon as everything is blocked, which makes timeout tests instant.
//
// A MockClock is meant to be driven from inside the run it belongs
// to; it is not safe to mutate from other goroutines while the run
// is live.
type MockClock struct {
	rate        float64
	autojump    float64
	virtualBase float64
	realBase    time.Time

	// changed pokes the reactor awake so a sleeping run loop
	// re-reads the clock. Installed when the run starts.
	changed func()
}

// NewMockClock returns a stopped virtual clock with autojump
// disabled.
func NewMockClock() *MockClock {
	return &MockClock{autojump: math.Inf(1)}
}

func (c *MockClock) Start() { c.realBase = time.Now() }

func (c *MockClock) Now() float64 {
	return c.virtualBase + c.rate*time.Since(c.realBase).Seconds()
}

func (c *MockClock) SleepTime(deadline float64) float64 {
	now := c.Now()
	if deadline <= now {
		return 0
	}
	if c.rate > 0 {
		return (deadline - now) / c.rate
	}
	return math.Inf(1)
}

// Rate returns the current virtual-seconds-per-real-second rate.
func (c *MockClock) Rate() float64 { return c.rate }

// SetRate changes the rate without disturbing the current virtual
// time.
func (c *MockClock) SetRate(rate float64) {
	if rate < 0 {
		panic("creche: mock clock rate must not be negative")
	}
	c.virtualBase = c.Now()
	c.realBase = time.Now()
	c.rate = rate
	c.notify()
}

// Jump advances virtual time by d.
func (c *MockClock) Jump(d time.Duration) {
	if d < 0 {
		panic("creche: mock clock time can't go backwards")
	}
	c.virtualBase += d.Seconds()
	c.notify()
}

// SetAutojumpThreshold sets how many real seconds the run must sit
// idle before the clock jumps to the next deadline. math.Inf(1)
// disables autojump.
func (c *MockClock) SetAutojumpThreshold(seconds float64) {
	if seconds < 0 {
		panic("creche: autojump threshold must not be negative")
	}
	c.autojump = seconds
	c.notify()
}

// AutojumpThreshold reports the configured idle threshold in real
// seconds.
func (c *MockClock) AutojumpThreshold() float64 { return c.autojump }

// Autojump moves virtual time to the next deadline, given as seconds
// from now. The run loop calls this when the run has been idle past
// the autojump threshold.
func (c *MockClock) Autojump(secondsToNextDeadline float64) {
	if secondsToNextDeadline > 0 && !math.IsInf(secondsToNextDeadline, 1) {
		c.virtualBase += secondsToNextDeadline
	}
}

func (c *MockClock) notify() {
	if c.changed != nil {
		c.changed()
	}
}

// autojumper is the optional clock interface the run loop uses to
// drive MockClock-style virtual time forward during idle periods.
type autojumper interface {
	AutojumpThreshold() float64
	Autojump(secondsToNextDeadline float64)
}
