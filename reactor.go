package creche

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Handle identifies a resource registered with a Reactor. Handles are
// opaque to the runtime; only the reactor that issued one knows what
// it stands for.
type Handle uint64

// IODirection selects which side of a handle a wait or event refers
// to.
type IODirection uint8

const (
	IORead IODirection = iota
	IOWrite
)

func (d IODirection) String() string {
	switch d {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	default:
		return "invalid"
	}
}

// IOEvent reports that an armed (handle, direction) pair became
// ready.
type IOEvent struct {
	Handle Handle
	Dir    IODirection
}

// IOStatistics is a snapshot of reactor state for Statistics.
type IOStatistics struct {
	Backend      string
	HandlesArmed int
}

// Reactor is the readiness backend the run loop sleeps on. The loop
// calls Poll, Arm, Disarm, and Statistics from its own goroutine;
// Wakeup may be called from anywhere at any time.
type Reactor interface {
	// Poll blocks until an armed handle becomes ready, Wakeup is
	// called, or timeout elapses, and returns the ready events. The
	// slice is nil only when the full timeout passed with nothing
	// happening; an early return for any other reason, including a
	// bare Wakeup, returns a non-nil (possibly empty) slice. The
	// run loop relies on that distinction to tell idleness from
	// interruption.
	Poll(timeout time.Duration) ([]IOEvent, error)

	// Arm registers interest in one direction of a handle. Events
	// for a pair are only reported while it is armed.
	Arm(h Handle, dir IODirection) error

	// Disarm withdraws interest. Disarming a pair that is not armed
	// is a no-op.
	Disarm(h Handle, dir IODirection)

	// Wakeup forces a blocked or future Poll to return early. Safe
	// from any goroutine; multiple calls coalesce.
	Wakeup()

	Statistics() IOStatistics

	// Close releases backend resources. The run calls it once after
	// the loop stops.
	Close() error
}

func dirMask(dir IODirection) uint8 { return 1 << dir }

// VirtualReactor is an in-memory Reactor. It is the default backend
// for runs that do no real io, and the instrument of choice in tests:
// readiness is whatever the test says it is. Marking is safe from any
// goroutine.
type VirtualReactor struct {
	wake chan struct{}

	mu     sync.Mutex
	next   Handle
	armed  map[Handle]uint8
	ready  map[Handle]uint8
	closed bool
}

func NewVirtualReactor() *VirtualReactor {
	return &VirtualReactor{
		wake:  make(chan struct{}, 1),
		armed: make(map[Handle]uint8),
		ready: make(map[Handle]uint8),
	}
}

// NewHandle allocates a fresh handle. The zero Handle is never
// issued.
func (vr *VirtualReactor) NewHandle() Handle {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	vr.next++
	return vr.next
}

// MarkReadable makes h ready for reading. The readiness sticks until
// an armed poll reports it.
func (vr *VirtualReactor) MarkReadable(h Handle) { vr.mark(h, IORead) }

// MarkWritable makes h ready for writing.
func (vr *VirtualReactor) MarkWritable(h Handle) { vr.mark(h, IOWrite) }

func (vr *VirtualReactor) mark(h Handle, dir IODirection) {
	vr.mu.Lock()
	vr.ready[h] |= dirMask(dir)
	vr.mu.Unlock()
	vr.Wakeup()
}

func (vr *VirtualReactor) Arm(h Handle, dir IODirection) error {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if vr.closed {
		return ErrClosedResource
	}
	if h == 0 || h > vr.next {
		return fmt.Errorf("creche: unknown reactor handle %d", h)
	}
	vr.armed[h] |= dirMask(dir)
	return nil
}

func (vr *VirtualReactor) Disarm(h Handle, dir IODirection) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	m := vr.armed[h] &^ dirMask(dir)
	if m == 0 {
		delete(vr.armed, h)
	} else {
		vr.armed[h] = m
	}
}

func (vr *VirtualReactor) Wakeup() {
	select {
	case vr.wake <- struct{}{}:
	default:
	}
}

func (vr *VirtualReactor) Poll(timeout time.Duration) ([]IOEvent, error) {
	vr.mu.Lock()
	if vr.closed {
		vr.mu.Unlock()
		return nil, ErrClosedResource
	}
	events := vr.collectLocked()
	vr.mu.Unlock()
	if len(events) > 0 {
		// The pending wake, if any, announced readiness we are
		// already reporting.
		vr.drainWake()
		return events, nil
	}
	if timeout <= 0 {
		select {
		case <-vr.wake:
			return []IOEvent{}, nil
		default:
			return nil, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	woken := false
	select {
	case <-vr.wake:
		woken = true
	case <-timer.C:
	}
	vr.mu.Lock()
	events = vr.collectLocked()
	vr.mu.Unlock()
	if events == nil && woken {
		events = []IOEvent{}
	}
	return events, nil
}

// collectLocked reports and consumes every pair that is both armed
// and ready. Readiness marked while unarmed stays latent until the
// pair is armed.
func (vr *VirtualReactor) collectLocked() []IOEvent {
	var events []IOEvent
	for h, rm := range vr.ready {
		fire := rm & vr.armed[h]
		if fire == 0 {
			continue
		}
		if fire&dirMask(IORead) != 0 {
			events = append(events, IOEvent{Handle: h, Dir: IORead})
		}
		if fire&dirMask(IOWrite) != 0 {
			events = append(events, IOEvent{Handle: h, Dir: IOWrite})
		}
		rm &^= fire
		if rm == 0 {
			delete(vr.ready, h)
		} else {
			vr.ready[h] = rm
		}
	}
	slices.SortFunc(events, func(a, b IOEvent) int {
		if a.Handle != b.Handle {
			return cmp.Compare(a.Handle, b.Handle)
		}
		return cmp.Compare(a.Dir, b.Dir)
	})
	return events
}

func (vr *VirtualReactor) drainWake() {
	select {
	case <-vr.wake:
	default:
	}
}

func (vr *VirtualReactor) Statistics() IOStatistics {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return IOStatistics{Backend: "virtual", HandlesArmed: len(vr.armed)}
}

func (vr *VirtualReactor) Close() error {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	vr.closed = true
	clear(vr.armed)
	clear(vr.ready)
	return nil
}
