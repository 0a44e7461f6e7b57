package creche

import (
	"errors"
	"math"
	"time"

	"github.com/webriots/creche/multierror"
)

// CancelScope delimits a cancellable region of a task tree. Enter and
// Exit bracket the region (Do brackets it for you); everything the
// task does in between, including child tasks spawned into nurseries
// opened inside the region, can be cancelled as a unit by Cancel or by
// the scope's deadline.
//
// Cancellation is level-triggered: once cancelled, every checkpoint in
// the region delivers a Cancelled error until the region is exited.
// Exit absorbs the Cancelled errors that belong to this scope, so a
// cancelled region unwinds quietly and the caller simply sees the
// scope report CancelledCaught.
//
// A scope may be entered once, ever. All methods must be called from
// inside the run that entered it; construction and Cancel are also
// allowed beforehand.
type CancelScope struct {
	deadline   float64
	relTimeout time.Duration
	hasRel     bool

	shield          bool
	cancelCalled    bool
	cancelledCaught bool
	entered         bool

	status             *cancelStatus
	runner             *runner
	registeredDeadline float64
}

// ScopeOption configures a CancelScope at construction.
type ScopeOption func(*CancelScope)

// WithDeadlineAt sets an absolute deadline on the run clock.
func WithDeadlineAt(deadline float64) ScopeOption {
	return func(s *CancelScope) { s.deadline = deadline }
}

// WithTimeout sets a deadline relative to the time the scope is
// entered.
func WithTimeout(d time.Duration) ScopeOption {
	return func(s *CancelScope) {
		if d < 0 {
			panic("creche: cancel scope timeout must not be negative")
		}
		s.relTimeout = d
		s.hasRel = true
	}
}

// WithShield starts the scope shielded; see SetShield.
func WithShield() ScopeOption {
	return func(s *CancelScope) { s.shield = true }
}

// NewCancelScope returns an unentered scope. With no options it has no
// deadline and must be cancelled explicitly.
func NewCancelScope(opts ...ScopeOption) *CancelScope {
	s := &CancelScope{deadline: math.Inf(1), registeredDeadline: math.Inf(1)}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasRel && !math.IsInf(s.deadline, 1) {
		panic("creche: cancel scope cannot have both an absolute deadline and a timeout")
	}
	return s
}

// Enter makes the scope the innermost one enclosing t. A relative
// timeout resolves against the clock now, and a deadline already in
// the past cancels the scope immediately.
func (s *CancelScope) Enter(t *Task) {
	if s.entered {
		panic("creche: each cancel scope may only be entered once")
	}
	s.entered = true
	s.runner = t.runner
	if s.hasRel {
		s.deadline = t.runner.clock.Now() + s.relTimeout.Seconds()
		s.hasRel = false
	}
	s.status = newCancelStatus(s, t.cancelStatus)
	t.activateCancelStatus(s.status)
	if t.runner.clock.Now() >= s.deadline {
		s.Cancel()
	}
	s.updateRegistration()
}

// Exit closes the region opened by Enter. err is whatever error is
// unwinding out of the region (nil if none); the return value is what
// should continue unwinding after the scope has absorbed the
// cancellations that belong to it.
//
// Scopes must exit in the opposite order they were entered. Exit
// reports misnesting as an error carrying the in-flight err as its
// cause, and leaves the abandoned inner regions permanently cancelled
// rather than silently resurrecting them.
func (s *CancelScope) Exit(t *Task, err error) error {
	if s.status == nil {
		return multierror.WithCause(
			errors.New("creche: cancel scope stack corrupted: attempted to exit a scope which had already been exited"),
			err)
	}
	if t.cancelStatus != s.status {
		switch {
		case s.status.abandoned:
			// An outer scope's exit already abandoned this one and
			// reported the corruption; don't pile on.
		case !s.status.encloses(t.cancelStatus):
			// The exiting task isn't even inside this scope. Report
			// without disturbing any state.
			return multierror.WithCause(
				errors.New("creche: cancel scope stack corrupted: attempted to exit a scope from a task outside it"),
				err)
		default:
			// Exiting an outer scope while inner ones are still
			// active abandons the inner ones.
			err = multierror.WithCause(
				errors.New("creche: cancel scope stack corrupted: attempted to exit a scope that is still within a child scope"),
				err)
			t.activateCancelStatus(s.status.parent)
		}
	} else {
		t.activateCancelStatus(s.status.parent)
	}
	if err != nil && s.status.effectivelyCancelled && !s.status.parentCancellationVisible() {
		err = s.absorbCancels(err)
	}
	s.status.close()
	s.status = nil
	s.updateRegistration()
	return err
}

// absorbCancels strips from err the Cancelled deliveries that this
// scope's exit settles: those delivered on its own behalf, and those
// whose scope has since exited and can no longer settle them itself.
// Deliveries tagged for a scope that is still active pass through to
// unwind further.
func (s *CancelScope) absorbCancels(err error) error {
	return multierror.Filter(func(e error) error {
		c := cancelledLeaf(e)
		if c == nil {
			return e
		}
		switch {
		case c.scope == s:
			s.cancelledCaught = true
			return nil
		case c.scope.status == nil:
			if s.cancelCalled {
				s.cancelledCaught = true
			}
			return nil
		}
		return e
	}, err)
}

// Do runs fn between Enter and Exit, converting a panic in fn into a
// PanicError so the exit protocol still runs.
func (s *CancelScope) Do(t *Task, fn func() error) error {
	s.Enter(t)
	err := runProtected(t, fn)
	return s.Exit(t, err)
}

// Cancel cancels the region, rippling to everything inside it that
// isn't shielded. Idempotent; allowed before Enter, in which case the
// region is cancelled from the moment it is entered.
func (s *CancelScope) Cancel() {
	if s.cancelCalled {
		return
	}
	s.cancelCalled = true
	if s.status != nil {
		s.status.recalculate()
	}
	s.updateRegistration()
}

// Deadline returns the scope's absolute deadline, +Inf if none. A
// relative timeout reads as +Inf until the scope is entered.
func (s *CancelScope) Deadline() float64 { return s.deadline }

// SetDeadline moves the scope's deadline. Setting a deadline in the
// past cancels the scope at the next loop pass.
func (s *CancelScope) SetDeadline(deadline float64) {
	s.deadline = deadline
	s.hasRel = false
	s.updateRegistration()
}

// Shield reports whether the scope currently shields its contents
// from outer cancellation.
func (s *CancelScope) Shield() bool { return s.shield }

// SetShield turns shielding on or off. While shielded, cancellation
// of outer scopes does not reach checkpoints inside this one; the
// scope's own Cancel and deadline still do. Turning shielding off
// with an outer cancellation pending delivers it at the next
// checkpoint.
func (s *CancelScope) SetShield(shield bool) {
	s.shield = shield
	if s.status != nil {
		s.status.recalculate()
	}
}

// CancelCalled reports whether the scope has been cancelled, directly
// or by its deadline. Once true it never goes back to false.
func (s *CancelScope) CancelCalled() bool {
	// A deadline can pass while nothing is running to notice; report
	// it here even though delivery waits for the loop.
	if !s.cancelCalled && s.runner != nil && !math.IsInf(s.deadline, 1) {
		if s.runner.clock.Now() >= s.deadline {
			s.cancelCalled = true
		}
	}
	return s.cancelCalled
}

// CancelledCaught reports whether the scope's exit absorbed a
// Cancelled delivered on its behalf, i.e. its own cancellation took
// effect somewhere inside the region.
func (s *CancelScope) CancelledCaught() bool { return s.cancelledCaught }

func (s *CancelScope) updateRegistration() {
	if s.runner == nil {
		return
	}
	newDeadline := math.Inf(1)
	if s.status != nil && !s.cancelCalled {
		newDeadline = s.deadline
	}
	if newDeadline != s.registeredDeadline {
		if !math.IsInf(s.registeredDeadline, 1) {
			s.runner.deadlines.remove(s.registeredDeadline, s)
		}
		if !math.IsInf(newDeadline, 1) {
			s.runner.deadlines.add(newDeadline, s)
		}
		s.registeredDeadline = newDeadline
	}
}

// runProtected runs fn, converting a panic into a PanicError unless
// the run is tearing down, in which case the unwind must keep going.
func runProtected(t *Task, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if t.runner.tearingDown {
				panic(p)
			}
			err = newPanicError(p)
		}
	}()
	return fn()
}

// ErrTooSlow is returned by FailAfter and FailAt when the operation
// ran out of time.
var ErrTooSlow = errors.New("creche: timeout expired")

// MoveOnAfter runs fn with a deadline d from now. On timeout the
// region is cancelled and MoveOnAfter returns nil; consult the
// returned scope's CancelledCaught to distinguish timeout from
// completion.
func MoveOnAfter(t *Task, d time.Duration, fn func(*CancelScope) error) (*CancelScope, error) {
	sc := NewCancelScope(WithTimeout(d))
	err := sc.Do(t, func() error { return fn(sc) })
	return sc, err
}

// MoveOnAt is MoveOnAfter with an absolute deadline.
func MoveOnAt(t *Task, deadline float64, fn func(*CancelScope) error) (*CancelScope, error) {
	sc := NewCancelScope(WithDeadlineAt(deadline))
	err := sc.Do(t, func() error { return fn(sc) })
	return sc, err
}

// FailAfter runs fn with a deadline d from now and returns ErrTooSlow
// if the deadline hit.
func FailAfter(t *Task, d time.Duration, fn func(*CancelScope) error) error {
	sc, err := MoveOnAfter(t, d, fn)
	if err == nil && sc.CancelledCaught() {
		return ErrTooSlow
	}
	return err
}

// FailAt is FailAfter with an absolute deadline.
func FailAt(t *Task, deadline float64, fn func(*CancelScope) error) error {
	sc, err := MoveOnAt(t, deadline, fn)
	if err == nil && sc.CancelledCaught() {
		return ErrTooSlow
	}
	return err
}
