package creche

// Event is a set-once flag tasks can wait for. It starts unset; Set
// flips it and wakes every waiter; it never goes back. For repeated
// signalling use a ParkLot directly.
//
// The zero Event is ready to use.
type Event struct {
	noCopy noCopy
	flag   bool
	lot    ParkLot
}

// IsSet reports whether Set has been called.
func (e *Event) IsSet() bool { return e.flag }

// Set sets the flag and wakes all waiting tasks. Extra calls do
// nothing. Set never suspends, so it is safe in cleanup paths.
func (e *Event) Set() {
	if e.flag {
		return
	}
	e.flag = true
	e.lot.UnparkAll()
}

// Wait suspends the task until the event is set. It is a checkpoint
// even when the event is already set, so a loop around Wait cannot
// shut out cancellation.
func (e *Event) Wait(t *Task) error {
	if e.flag {
		return t.Checkpoint()
	}
	return e.lot.Park(t)
}
