package creche

import (
	"errors"
	"fmt"
	"os"

	"github.com/webriots/creche/multierror"
)

// Cancelled is delivered at checkpoints inside a cancelled scope. Only
// the runtime creates Cancelled values; user code should let them
// propagate so the scope that caused the cancellation can absorb them
// on exit. Swallowing one leaves the rest of the task tree waiting for
// an unwind that never arrives.
type Cancelled struct {
	scope *CancelScope
}

func newCancelled(scope *CancelScope) *Cancelled {
	return &Cancelled{scope: scope}
}

func (e *Cancelled) Error() string { return "cancelled" }

// Scope returns the cancel scope on whose behalf this error was
// delivered. It is the outermost scope that was cancelled at delivery
// time, which is the scope expected to absorb the error on exit.
func (e *Cancelled) Scope() *CancelScope { return e.scope }

// IsCancelled reports whether err is, or wraps, a Cancelled delivery.
func IsCancelled(err error) bool {
	var c *Cancelled
	return errors.As(err, &c)
}

// cancelledLeaf unwraps annotation wrappers along the primary branch
// and returns the underlying Cancelled, or nil. Unlike errors.As it
// does not follow cause chains, so an error that merely replaced a
// Cancelled is not itself treated as one.
func cancelledLeaf(err error) *Cancelled {
	for err != nil {
		if c, ok := err.(*Cancelled); ok {
			return c
		}
		tr, ok := err.(*multierror.Traced)
		if !ok {
			return nil
		}
		err = tr.Err()
	}
	return nil
}

// Interrupted is delivered to the main task at its next checkpoint
// when an interrupt signal arrives and the run was configured with
// WithInterruptSignals. Handle it to shut down gracefully, or let it
// propagate out of Run.
type Interrupted struct {
	Signal os.Signal
}

func (e *Interrupted) Error() string {
	if e.Signal != nil {
		return "interrupted by " + e.Signal.String()
	}
	return "interrupted"
}

// ErrRunFinished is returned by Token methods once the run they belong
// to has finished and can no longer accept callbacks.
var ErrRunFinished = errors.New("creche: run already finished")

// ErrBusyResource is returned when a task tries to wait on a handle
// direction that another task is already waiting on.
var ErrBusyResource = errors.New("creche: another task is already waiting on this resource")

// ErrClosedResource is delivered to tasks waiting on a handle when
// NotifyClosing is called for it.
var ErrClosedResource = errors.New("creche: resource was closed while waiting")

// InternalError reports that the runtime itself failed. The wrapped
// error explains how; anything that was running at the time has been
// torn down. Seeing one of these means a bug in creche, not in the
// code that was running.
type InternalError struct {
	err error
}

func newInternalError(err error) error {
	var ie *InternalError
	if errors.As(err, &ie) {
		return ie
	}
	return &InternalError{err: err}
}

func (e *InternalError) Error() string {
	return "creche: internal error: " + e.err.Error()
}

func (e *InternalError) Unwrap() error { return e.err }

// PanicError carries a recovered panic value across the task boundary
// as an ordinary error, with the stack captured at the recovery site.
type PanicError struct {
	value  any
	frames []multierror.Frame
}

func newPanicError(value any) *PanicError {
	return &PanicError{value: value, frames: multierror.Callers(2)}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Value returns the value originally passed to panic.
func (e *PanicError) Value() any { return e.value }

// Frames returns the stack captured when the panic was recovered.
func (e *PanicError) Frames() []multierror.Frame { return e.frames }

// Unwrap returns the panic value when it was itself an error, letting
// errors.Is and errors.As see through recovered panics.
func (e *PanicError) Unwrap() error {
	if err, ok := e.value.(error); ok {
		return err
	}
	return nil
}
