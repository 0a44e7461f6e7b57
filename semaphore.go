package creche

import "math"

// Semaphore is a counted resource gate. Acquire takes one unit,
// suspending while none are free; Release puts one back. Waiters are
// served strictly in arrival order, and a released unit goes straight
// to the first waiter rather than back into the pool, so a stream of
// lucky newcomers cannot starve a parked task.
type Semaphore struct {
	noCopy noCopy
	v      int
	cap    int
	lot    ParkLot
}

// NewSemaphore returns a semaphore holding value units with no upper
// bound.
func NewSemaphore(value int) *Semaphore {
	if value < 0 {
		panic("creche: negative semaphore value")
	}
	return &Semaphore{v: value, cap: math.MaxInt}
}

// NewBoundedSemaphore returns a semaphore holding value units that
// panics if a Release would push it above capacity. The bound catches
// release-without-acquire bugs early.
func NewBoundedSemaphore(value, capacity int) *Semaphore {
	if value < 0 {
		panic("creche: negative semaphore value")
	}
	if capacity < value {
		panic("creche: semaphore capacity below initial value")
	}
	return &Semaphore{v: value, cap: capacity}
}

// Value reports the units currently free.
func (s *Semaphore) Value() int { return s.v }

// Waiting reports how many tasks are parked in Acquire.
func (s *Semaphore) Waiting() int { return s.lot.Len() }

// Acquire takes one unit, suspending until one is available. It is a
// checkpoint whether or not it suspends.
func (s *Semaphore) Acquire(t *Task) error {
	if err := t.CheckpointIfCancelled(); err != nil {
		return err
	}
	if s.v > 0 {
		s.v--
		t.Yield()
		return nil
	}
	return s.lot.Park(t)
}

// TryAcquire takes a unit if one is free, without suspending. It is
// not a checkpoint.
func (s *Semaphore) TryAcquire() bool {
	if s.v > 0 {
		s.v--
		return true
	}
	return false
}

// Release returns one unit. If a task is waiting, the unit is handed
// to it directly. Release never suspends.
func (s *Semaphore) Release() {
	if s.lot.UnparkOne() {
		return
	}
	if s.v >= s.cap {
		panic("creche: semaphore released above capacity")
	}
	s.v++
}
