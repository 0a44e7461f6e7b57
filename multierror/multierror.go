// Package multierror aggregates the errors of concurrent child tasks
// into a single error value while preserving the identity of every
// child error.
//
// The aggregate type Error holds one or more child errors plus the
// stack frames of the site that aggregated them. Aggregates nest: a
// child may itself be an *Error, forming a tree that mirrors the task
// tree it came from. errors.Is and errors.As traverse the whole tree
// through Unwrap() []error.
//
// Filter rewrites such a tree without disturbing the parts it does not
// touch: children the handler leaves alone keep their identity, and a
// tree the handler leaves entirely alone is returned as the very same
// pointer. Non-strict aggregates that are left with a single child
// collapse to that child, carrying the aggregate's frames down so the
// origin of the grouping is not lost.
package multierror

import "strings"

// Error is an aggregate of one or more child errors.
type Error struct {
	errs   []error
	strict bool
	frames []Frame
}

// New aggregates errs, dropping nil entries. It returns nil if no
// errors remain, the sole error itself if exactly one remains and
// strict is false, and an *Error otherwise. Strict aggregates keep
// their grouping even when reduced to a single child.
func New(errs []error, strict bool) error {
	kept := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	switch {
	case len(kept) == 0:
		return nil
	case len(kept) == 1 && !strict:
		return kept[0]
	}
	return &Error{errs: kept, strict: strict}
}

// Error joins the child error messages with newlines.
func (e *Error) Error() string {
	var b strings.Builder
	for i, err := range e.errs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the children to errors.Is and errors.As.
func (e *Error) Unwrap() []error { return e.errs }

// Errors returns the child errors. Callers must not modify the
// returned slice.
func (e *Error) Errors() []error { return e.errs }

// Strict reports whether the aggregate keeps its grouping when
// filtering leaves it with a single child.
func (e *Error) Strict() bool { return e.strict }

// Frames returns the stack frames of the aggregation site, if any.
func (e *Error) Frames() []Frame { return e.frames }

// Traced wraps an error with captured stack frames and, optionally,
// the error that was in flight when this one replaced it.
type Traced struct {
	err    error
	cause  error
	frames []Frame
}

// Error returns the wrapped error's message, annotated with the cause
// when one is present.
func (e *Traced) Error() string {
	if e.cause != nil {
		return e.err.Error() + " (during: " + e.cause.Error() + ")"
	}
	return e.err.Error()
}

// Unwrap exposes the wrapped error and the cause to errors.Is and
// errors.As. The wrapped error comes first.
func (e *Traced) Unwrap() []error {
	if e.cause != nil {
		return []error{e.err, e.cause}
	}
	return []error{e.err}
}

// Err returns the wrapped error.
func (e *Traced) Err() error { return e.err }

// Cause returns the error that was in flight when the wrapped error
// replaced it, or nil.
func (e *Traced) Cause() error { return e.cause }

// Frames returns the stack frames carried by the wrapper, if any.
func (e *Traced) Frames() []Frame { return e.frames }

// WithCause annotates err with the error it replaced. A nil cause
// returns err unchanged.
func WithCause(err, cause error) error {
	if err == nil || cause == nil {
		return err
	}
	return &Traced{err: err, cause: cause}
}

// WithFrames annotates err with the given stack frames. Frames stack:
// annotating an already-annotated error prepends the new frames.
func WithFrames(err error, frames []Frame) error {
	if err == nil || len(frames) == 0 {
		return err
	}
	return pushFrames(frames, err)
}

// Frames returns the stack frames attached to err, or nil.
func Frames(err error) []Frame {
	switch e := err.(type) {
	case *Error:
		return e.frames
	case *Traced:
		return e.frames
	}
	return nil
}

// Filter rewrites the error tree rooted at err. The handler is called
// for each leaf; it may keep the leaf (return it unchanged), remove it
// (return nil), or replace it. Aggregates whose children all vanish
// vanish themselves; non-strict aggregates left with one child
// collapse to that child with the aggregate's frames pushed down. A
// tree the handler leaves untouched is returned as the same pointer.
func Filter(handler func(error) error, err error) error {
	if err == nil {
		return nil
	}
	g, ok := err.(*Error)
	if !ok {
		return handler(err)
	}
	changed := false
	kept := make([]error, 0, len(g.errs))
	for _, child := range g.errs {
		res := Filter(handler, child)
		if res != child {
			changed = true
		}
		if res != nil {
			kept = append(kept, res)
		}
	}
	if !changed {
		return g
	}
	switch {
	case len(kept) == 0:
		return nil
	case len(kept) == 1 && !g.strict:
		return pushFrames(g.frames, kept[0])
	}
	return &Error{errs: kept, strict: g.strict, frames: g.frames}
}

func pushFrames(frames []Frame, err error) error {
	if len(frames) == 0 {
		return err
	}
	switch e := err.(type) {
	case *Error:
		merged := make([]Frame, 0, len(frames)+len(e.frames))
		merged = append(append(merged, frames...), e.frames...)
		return &Error{errs: e.errs, strict: e.strict, frames: merged}
	case *Traced:
		merged := make([]Frame, 0, len(frames)+len(e.frames))
		merged = append(append(merged, frames...), e.frames...)
		return &Traced{err: e.err, cause: e.cause, frames: merged}
	}
	return &Traced{err: err, frames: frames}
}
