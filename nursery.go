package creche

import (
	"context"
	"errors"

	"github.com/webriots/creche/multierror"
)

// Nursery supervises a set of child tasks. It exists only inside
// OpenNursery: the body receives the nursery, spawns children into it,
// and when the body returns, OpenNursery blocks until every child has
// finished. No child outlives the call; this is what makes task
// lifetimes follow the call tree.
//
// A nursery comes wrapped in its own cancel scope. The first error
// from the body or any child cancels that scope, so siblings are told
// to wind up as soon as one of them fails, and the errors collected by
// the time everyone is done come back out of OpenNursery as one
// aggregate.
type Nursery struct {
	host  *Task
	scope *CancelScope

	children    map[*Task]struct{}
	pendingErrs []error

	bodyRunning   bool
	hostWaiting   bool
	pendingStarts int
	closed        bool
	strict        bool
}

// NurseryOption configures a nursery at open time.
type NurseryOption func(*Nursery)

// WithStrict overrides the run's default error grouping for this
// nursery. A strict nursery always reports child failures as a
// *multierror.Error, even a single one; a non-strict nursery passes a
// lone failure through as itself.
func WithStrict(strict bool) NurseryOption {
	return func(n *Nursery) { n.strict = strict }
}

// OpenNursery runs body with a new nursery and waits for the body and
// all children spawned into it to finish. The returned error
// aggregates the body's error and all child errors, after the
// nursery's cancel scope has absorbed the cancellations it caused
// itself.
func OpenNursery(t *Task, body func(*Nursery) error, opts ...NurseryOption) error {
	scope := NewCancelScope()
	scope.Enter(t)
	n := &Nursery{
		host:     t,
		scope:    scope,
		children: make(map[*Task]struct{}),
		strict:   t.runner.strictGroups,
	}
	for _, opt := range opts {
		opt(n)
	}
	t.childNurseries = append(t.childNurseries, n)
	n.bodyRunning = true
	bodyErr := runProtected(t, func() error { return body(n) })
	err := n.nestedChildFinished(t, bodyErr)
	return scope.Exit(t, err)
}

// CancelScope returns the scope wrapping the nursery. Cancelling it
// cancels the body and every child.
func (n *Nursery) CancelScope() *CancelScope { return n.scope }

// HostTask returns the task that opened the nursery.
func (n *Nursery) HostTask() *Task { return n.host }

// PendingStarts reports how many Start calls are currently waiting
// for their child to call Started.
func (n *Nursery) PendingStarts() int { return n.pendingStarts }

// Children returns a snapshot of the live child tasks.
func (n *Nursery) Children() []*Task {
	out := make([]*Task, 0, len(n.children))
	for task := range n.children {
		out = append(out, task)
	}
	return out
}

// StartSoon spawns fn as a child task. It returns as soon as the
// child is scheduled, without waiting for it to begin running. The
// nursery reports the child's error, if any, when OpenNursery
// returns. An empty name gets a generated one.
//
// StartSoon panics if the nursery is already closed: children may be
// added from within the body or from other tasks only until the body
// and all children have finished.
func (n *Nursery) StartSoon(name string, fn func(*Task) error) {
	n.host.runner.spawnImpl(func(t *Task) (any, error) {
		return nil, fn(t)
	}, n, name, false, nil)
}

// StartSoonCtx is StartSoon with an explicit base context for the
// child instead of the host's. The child's Context derives from ctx
// and carries the child task. The run itself never acts on ctx's
// cancellation signal, cancellation inside a run travels through
// cancel scopes, but code that watches ctx directly still sees it.
func (n *Nursery) StartSoonCtx(ctx context.Context, name string, fn func(*Task) error) {
	n.host.runner.spawnImpl(func(t *Task) (any, error) {
		return nil, fn(t)
	}, n, name, false, ctx)
}

// Start spawns fn and waits until it calls Started on its TaskStatus,
// returning the value passed to Started. Until then the child runs
// underneath the caller: if it fails first, the error comes back from
// Start itself and never reaches the nursery. When Started is called
// the child and everything it has opened move into this nursery.
//
// If the caller is cancelled while waiting, the child is cancelled
// with it.
func (n *Nursery) Start(t *Task, name string, fn func(*Task, *TaskStatus) error) (any, error) {
	if n.closed {
		return nil, errors.New("creche: nursery is closed to new arrivals")
	}
	n.pendingStarts++
	defer func() {
		n.pendingStarts--
		n.checkClosed()
	}()

	var status *TaskStatus
	err := OpenNursery(t, func(old *Nursery) error {
		status = &TaskStatus{old: old, target: n}
		task := t.runner.spawnImpl(func(ct *Task) (any, error) {
			return nil, fn(ct, status)
		}, old, name, false, nil)
		task.eventualParentNursery = n
		return nil
	}, WithStrict(true))
	if err != nil {
		// The internal nursery is strict so its own grouping is
		// always recognizable here and can be peeled off without
		// touching anything the child propagated.
		if g, ok := err.(*multierror.Error); ok {
			if children := g.Errors(); len(children) == 1 {
				return nil, children[0]
			}
			return nil, newInternalError(multierror.WithCause(
				errors.New("start's internal nursery should not hold multiple tasks"), err))
		}
		return nil, err
	}
	if !status.called {
		return nil, errors.New("creche: child exited without calling Started")
	}
	return status.value, nil
}

func (n *Nursery) addError(err error) {
	n.pendingErrs = append(n.pendingErrs, err)
	n.scope.Cancel()
}

func (n *Nursery) childFinished(child *Task, out outcome) {
	delete(n.children, child)
	if out.err != nil {
		n.addError(out.err)
	}
	n.checkClosed()
}

// checkClosed closes the nursery once the body has returned and no
// children or pending starts remain, waking the host if it is parked
// at the exit barrier.
func (n *Nursery) checkClosed() {
	if n.bodyRunning || len(n.children) > 0 || n.pendingStarts > 0 {
		return
	}
	n.closed = true
	if n.hostWaiting {
		n.hostWaiting = false
		n.host.runner.reschedule(n.host, outcome{})
	}
}

// nestedChildFinished runs after the nursery body returns: it records
// the body's error, waits at the exit barrier for the children, and
// builds the aggregate error.
func (n *Nursery) nestedChildFinished(t *Task, bodyErr error) error {
	if bodyErr != nil {
		n.addError(bodyErr)
	}
	n.bodyRunning = false
	n.checkClosed()

	if !n.closed {
		// The barrier must hold even when cancelled: children are
		// already being cancelled through the shared scope and have
		// to finish unwinding before the host may continue. One-shot
		// reasons like interrupts are kept for the aggregate instead.
		n.hostWaiting = true
		_, _ = t.WaitRescheduled(func(reason error) Abort {
			if cancelledLeaf(reason) == nil {
				n.addError(reason)
			}
			return AbortFailed
		})
	} else {
		// Nothing to wait for, but exiting a nursery is still a
		// schedule point, and an uncancellable one either way.
		t.Yield()
	}

	last := len(t.childNurseries) - 1
	if last < 0 || t.childNurseries[last] != n {
		panic("creche: nursery stack corrupted")
	}
	t.childNurseries = t.childNurseries[:last]

	if len(n.pendingErrs) == 0 {
		return nil
	}
	errs := n.pendingErrs
	n.pendingErrs = nil
	agg := multierror.New(errs, n.strict)
	if g, ok := agg.(*multierror.Error); ok {
		return multierror.WithFrames(g, multierror.Callers(1))
	}
	return agg
}

// TaskStatus is handed to a task spawned with Start so it can signal
// that it has finished initializing.
type TaskStatus struct {
	old    *Nursery
	target *Nursery
	value  any
	called bool
}

// Started reports the task as initialized, unblocking the Start call
// with value and moving the task (and everything it has spawned so
// far) from under the caller into the destination nursery. Calling it
// twice panics. If the Start caller has already been cancelled the
// move is skipped; the task is on its way down and must stay where
// the cancellation can reach it.
func (s *TaskStatus) Started(value any) {
	if s.called {
		panic("creche: Started called twice on the same task status")
	}
	s.called = true
	s.value = value

	oldStatus := s.old.scope.status
	if oldStatus.effectivelyCancelled {
		return
	}
	if s.target.closed {
		panic("creche: start target nursery closed before Started")
	}

	// Move tasks from the internal nursery to the destination.
	tasks := s.old.children
	s.old.children = make(map[*Task]struct{})
	for task := range tasks {
		task.parentNursery = s.target
		task.eventualParentNursery = nil
		s.target.children[task] = struct{}{}
	}

	// Move everything under the internal nursery's cancel status node
	// to the destination's, except the Start caller itself, which
	// stays to close the internal nursery normally. Reparenting under
	// a cancelled destination delivers cancellations as it goes, so
	// detach everything first and attach to the new parent second.
	targetStatus := s.target.scope.status
	statusChildren := make([]*cancelStatus, 0, len(oldStatus.children))
	for child := range oldStatus.children {
		statusChildren = append(statusChildren, child)
	}
	statusTasks := make([]*Task, 0, len(oldStatus.tasks))
	for task := range oldStatus.tasks {
		if task != s.old.host {
			statusTasks = append(statusTasks, task)
		}
	}
	for _, child := range statusChildren {
		child.setParent(nil)
	}
	for _, task := range statusTasks {
		task.activateCancelStatus(nil)
	}
	for _, child := range statusChildren {
		child.setParent(targetStatus)
	}
	for _, task := range statusTasks {
		task.activateCancelStatus(targetStatus)
	}

	s.old.checkClosed()
}
