package creche

// Mutex grants exclusive ownership to one task at a time. Lock
// suspends while another task holds it; waiters acquire in FIFO
// order, with the lock handed to the first waiter on Unlock so it
// cannot be snatched by a task that arrives later.
//
// The zero Mutex is unlocked and ready to use.
type Mutex struct {
	noCopy noCopy
	locked bool
	owner  *Task
	lot    ParkLot
}

// Lock acquires the mutex, suspending until it is free. It is a
// checkpoint whether or not it suspends. Locking a mutex the task
// already holds panics instead of deadlocking.
func (m *Mutex) Lock(t *Task) error {
	if err := t.CheckpointIfCancelled(); err != nil {
		return err
	}
	if m.owner == t {
		panic("creche: mutex re-locked by its holder")
	}
	if !m.locked {
		m.locked = true
		m.owner = t
		t.Yield()
		return nil
	}
	if err := m.lot.Park(t); err != nil {
		return err
	}
	// Unlock handed the lock over; it stayed locked the whole time.
	m.owner = t
	return nil
}

// TryLock acquires the mutex if it is free, without suspending. It is
// not a checkpoint.
func (m *Mutex) TryLock(t *Task) bool {
	if m.locked {
		return false
	}
	m.locked = true
	m.owner = t
	return true
}

// Unlock releases the mutex, waking the first waiter if there is one.
// Unlocking an unlocked mutex panics.
func (m *Mutex) Unlock() {
	if !m.locked {
		panic("creche: unlock of unlocked mutex")
	}
	m.owner = nil
	if m.lot.UnparkOne() {
		return
	}
	m.locked = false
}

// Holder returns the task currently holding the mutex, or nil.
func (m *Mutex) Holder() *Task { return m.owner }

// WaitCount reports how many tasks are parked waiting to lock.
func (m *Mutex) WaitCount() int { return m.lot.Len() }
