package creche

// WaitGroup waits for a counter to return to zero. Workers call
// Add(1) as they begin and Done when they finish; any number of tasks
// can Wait for the whole group. Unlike a nursery, a WaitGroup tracks
// work, not tasks: one task can hold several units, and units can
// move between tasks.
//
// The zero WaitGroup is ready to use.
type WaitGroup struct {
	noCopy noCopy
	n      int
	lot    ParkLot
}

// Add moves the counter by delta, waking all waiters when it reaches
// zero. A negative counter panics.
func (wg *WaitGroup) Add(delta int) {
	wg.n += delta
	if wg.n < 0 {
		panic("creche: negative WaitGroup counter")
	}
	if wg.n == 0 {
		wg.lot.UnparkAll()
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() { wg.Add(-1) }

// Count reports the current counter value.
func (wg *WaitGroup) Count() int { return wg.n }

// Wait suspends the task until the counter is zero. It is a
// checkpoint even when the counter is already zero.
func (wg *WaitGroup) Wait(t *Task) error {
	if wg.n == 0 {
		return t.Checkpoint()
	}
	return wg.lot.Park(t)
}
