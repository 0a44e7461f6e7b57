package creche

import "slices"

// ParkLot is the waiting room the synchronization types are built on:
// a strictly FIFO set of parked tasks. Park adds the calling task and
// suspends it; UnparkOne and UnparkAll wake tasks in the order they
// parked. A task cancelled while parked removes itself, so a lot
// never wakes a task that has already given up.
//
// The zero ParkLot is ready to use.
type ParkLot struct {
	noCopy  noCopy
	waiters []*Task
}

// Park suspends the task until someone unparks it. A nil return means
// it was unparked; an error means the wait was cancelled.
func (p *ParkLot) Park(t *Task) error {
	p.waiters = append(p.waiters, t)
	_, err := t.WaitRescheduled(func(error) Abort {
		for i, w := range p.waiters {
			if w == t {
				p.waiters = slices.Delete(p.waiters, i, i+1)
				break
			}
		}
		return AbortSucceeded
	})
	return err
}

// UnparkOne wakes the task that has waited longest. It reports
// whether there was one.
func (p *ParkLot) UnparkOne() bool {
	if len(p.waiters) == 0 {
		return false
	}
	t := p.waiters[0]
	p.waiters = slices.Delete(p.waiters, 0, 1)
	t.runner.reschedule(t, outcome{})
	return true
}

// UnparkAll wakes every parked task, in park order, and returns how
// many there were.
func (p *ParkLot) UnparkAll() int {
	woken := p.waiters
	p.waiters = nil
	for _, t := range woken {
		t.runner.reschedule(t, outcome{})
	}
	return len(woken)
}

// Len reports how many tasks are parked.
func (p *ParkLot) Len() int { return len(p.waiters) }
