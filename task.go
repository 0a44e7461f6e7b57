package creche

import (
	"context"
	"fmt"
	"math"
	"runtime/trace"
	"strings"
	"time"

	"github.com/webriots/coro"
)

const (
	taskTraceTaskType   = "creche-task"
	taskTraceRegionType = "creche-region"
	taskTraceCategory   = "creche"
)

// suspendMsg is what a task continuation hands the run loop when it
// suspends. The two values distinguish a plain schedule point, which
// requeues the task immediately, from a park, which leaves the task
// waiting until something reschedules it.
type suspendMsg uint8

const (
	msgWait suspendMsg = iota
	msgYield
)

// outcome is the wakeup value delivered into a suspended task: either
// a value or an error, never both.
type outcome struct {
	value any
	err   error
}

// Abort is an abort handler's answer to a cancellation attempt while
// its task is parked.
type Abort uint8

const (
	// AbortSucceeded means the handler cleaned up whatever the task
	// was waiting on; the runtime will reschedule the task with the
	// delivered error.
	AbortSucceeded Abort = iota
	// AbortFailed means the task cannot be interrupted right now and
	// stays parked. Whoever owns the wait delivers it later.
	AbortFailed
)

// AbortFunc is called when a parked task should be woken early, with
// the error that wants to be delivered. It runs on the loop goroutine
// while the task is suspended.
type AbortFunc func(reason error) Abort

// Task is a single cooperatively scheduled activity. Task methods
// that can suspend must be called from the task's own body; the
// *Task handed to the body is the capability to suspend it.
type Task struct {
	id     uint64
	name   string
	ctx    context.Context
	runner *runner
	body   func(*Task) (any, error)

	yield      func(suspendMsg) outcome
	suspend    func() outcome
	resume     func(outcome) (suspendMsg, bool)
	cancelCoro func()

	parentNursery         *Nursery
	eventualParentNursery *Nursery
	childNurseries        []*Nursery
	cancelStatus          *cancelStatus

	abortFn   AbortFunc
	nextWake  outcome
	scheduled bool
	result    outcome

	schedulePoints uint64
	cancelPoints   uint64

	tracer *trace.Task
}

func newTask(r *runner, ctx context.Context, name string, body func(*Task) (any, error), nursery *Nursery) *Task {
	task := &Task{
		id:            r.nextTaskID(),
		name:          name,
		runner:        r,
		body:          body,
		parentNursery: nursery,
	}
	if task.name == "" {
		task.name = fmt.Sprintf("task-%d", task.id)
	}

	ctx, task.tracer = trace.NewTask(ctx, taskTraceTaskType)
	task.ctx = withTaskContext(ctx, task)

	resume, cancel := coro.New(
		func(yield func(suspendMsg) outcome, suspend func() outcome) (z suspendMsg) {
			region := trace.StartRegion(task.ctx, taskTraceRegionType)

			defer func() {
				region.End()
				task.tracer.End()
			}()

			task.yield = yield
			task.suspend = suspend

			var value any
			var err error
			func() {
				defer func() {
					if p := recover(); p != nil {
						if task.runner.tearingDown {
							panic(p)
						}
						err = newPanicError(p)
					}
				}()
				value, err = body(task)
			}()
			task.result = outcome{value: value, err: err}

			return
		},
	)

	task.resume = resume
	task.cancelCoro = cancel
	return task
}

// ID returns the task's run-unique identifier.
func (t *Task) ID() uint64 { return t.id }

// Name returns the name the task was spawned with.
func (t *Task) Name() string { return t.name }

// String implements fmt.Stringer as "name#id".
func (t *Task) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// SchedulePoints counts the schedule points this task has passed and
// CancelPoints the cancel points; a full Checkpoint adds one to each.
// Tests use them to prove that a code path checkpoints.
func (t *Task) SchedulePoints() uint64 { return t.schedulePoints }

// CancelPoints counts the cancel points this task has passed.
func (t *Task) CancelPoints() uint64 { return t.cancelPoints }

// Context returns the task's context. It carries the task itself (see
// TaskFromContext) and any values inherited from the run's base
// context. Its cancellation is not linked to cancel scopes.
func (t *Task) Context() context.Context { return t.ctx }

// ParentNursery returns the nursery the task currently lives in, or
// nil for the root task.
func (t *Task) ParentNursery() *Nursery { return t.parentNursery }

// EventualParentNursery returns the nursery this task will be
// reparented into once it calls Started, or nil.
func (t *Task) EventualParentNursery() *Nursery { return t.eventualParentNursery }

// ChildNurseries returns the nurseries currently open in this task's
// body, outermost first. The returned slice is a copy.
func (t *Task) ChildNurseries() []*Nursery {
	out := make([]*Nursery, len(t.childNurseries))
	copy(out, t.childNurseries)
	return out
}

// Token returns the run's Token for reentry from other goroutines.
func (t *Task) Token() *Token { return t.runner.token }

// Now returns the current time on the run's clock.
func (t *Task) Now() float64 { return t.runner.clock.Now() }

// EffectiveDeadline returns the soonest deadline of any scope
// enclosing the task, accounting for shields; -Inf if the task is
// already cancelled and +Inf if nothing has a deadline.
func (t *Task) EffectiveDeadline() float64 {
	if t.cancelStatus == nil {
		return math.Inf(1)
	}
	return t.cancelStatus.effectiveDeadline()
}

// Statistics returns a snapshot of run-wide counters.
func (t *Task) Statistics() Statistics { return t.runner.statistics() }

// WaitRescheduled parks the task until some other code calls
// Reschedule on it, and returns the value and error that were
// delivered. The abort handler is invoked if the runtime wants to
// cancel the wait; see AbortFunc. This is the primitive the sync
// types are built from.
func (t *Task) WaitRescheduled(abort AbortFunc) (any, error) {
	t.abortFn = abort
	out := t.suspend()
	return out.value, out.err
}

// Reschedule wakes a task parked in WaitRescheduled, delivering value
// and err as its result. It must be called from inside the same run,
// and only for a task whose wait it owns: after a successful abort the
// runtime has already rescheduled the task, and waking it twice is an
// error.
func (t *Task) Reschedule(value any, err error) {
	t.runner.reschedule(t, outcome{value: value, err: err})
}

// Yield suspends the task for exactly one pass through the scheduler
// and resumes it without checking for cancellation. Use it to break up
// long computations without opening a cancellation window.
func (t *Task) Yield() {
	t.schedulePoints++
	t.yield(msgYield)
}

// Checkpoint suspends for one scheduler pass and then delivers any
// pending cancellation. Every well-behaved task calls this (or
// something that calls it) regularly; it is the point where timeouts,
// Cancel calls and interrupts take effect.
func (t *Task) Checkpoint() error {
	t.Yield()
	return t.deliverPending()
}

// CheckpointIfCancelled delivers a pending cancellation if there is
// one, and otherwise returns nil without suspending. Pair it with
// Yield to split a full checkpoint around an uncancellable operation.
func (t *Task) CheckpointIfCancelled() error {
	if t.hasPendingDelivery() {
		err := t.Checkpoint()
		if err == nil {
			panic("creche: pending cancellation vanished during checkpoint")
		}
		return err
	}
	t.cancelPoints++
	return nil
}

// deliverPending returns the error a checkpoint should deliver right
// now: a pending interrupt for the main task, or a Cancelled on
// behalf of the outermost cancelled scope visible from here.
func (t *Task) deliverPending() error {
	t.cancelPoints++
	r := t.runner
	if r.interruptPending && t == r.mainTask {
		r.interruptPending = false
		return &Interrupted{Signal: r.interruptSignal}
	}
	if st := t.cancelStatus; st != nil && st.effectivelyCancelled {
		return newCancelled(t.deliveryScope())
	}
	return nil
}

func (t *Task) hasPendingDelivery() bool {
	r := t.runner
	if r.interruptPending && t == r.mainTask {
		return true
	}
	st := t.cancelStatus
	return st != nil && st.effectivelyCancelled
}

// deliveryScope walks outward from the task's current scope to the
// outermost scope whose cancellation is visible from here. When
// nested scopes are all cancelled the outer one wins, so the unwind
// travels as far as it usefully can in one delivery.
func (t *Task) deliveryScope() *CancelScope {
	x := t.cancelStatus
	for x.parentCancellationVisible() {
		x = x.parent
	}
	return x.scope
}

// activateCancelStatus moves the task from its current cancel status
// node to st, delivering immediately if the new node is already
// cancelled. Passing nil detaches the task, for exit.
func (t *Task) activateCancelStatus(st *cancelStatus) {
	if t.cancelStatus != nil {
		delete(t.cancelStatus.tasks, t)
	}
	t.cancelStatus = st
	if st != nil {
		st.tasks[t] = struct{}{}
		if st.effectivelyCancelled {
			t.attemptDeliveryOfAnyPendingCancel()
		}
	}
}

// attemptAbort asks a parked task's abort handler to give up its wait
// so reason can be delivered. On success the task is rescheduled with
// reason as its error.
func (t *Task) attemptAbort(reason error) {
	if t.abortFn(reason) == AbortSucceeded {
		t.runner.reschedule(t, outcome{err: reason})
	}
}

func (t *Task) attemptDeliveryOfAnyPendingCancel() {
	if t.abortFn == nil {
		return
	}
	st := t.cancelStatus
	if st == nil || !st.effectivelyCancelled {
		return
	}
	t.attemptAbort(newCancelled(t.deliveryScope()))
}

// attemptDeliveryOfPendingInterrupt hands a pending interrupt to the
// task's abort handler. Unlike cancellation, which is level-triggered
// and retried at every checkpoint, the interrupt is one-shot: it is
// considered delivered once handed over, even if the handler keeps
// the task parked and records it for later (as the nursery exit
// barrier does).
func (t *Task) attemptDeliveryOfPendingInterrupt() {
	if t.abortFn == nil {
		return
	}
	r := t.runner
	if !r.interruptPending {
		return
	}
	r.interruptPending = false
	t.attemptAbort(&Interrupted{Signal: r.interruptSignal})
}

// SleepForever parks the task until cancelled. It only ever returns an
// error.
func (t *Task) SleepForever() error {
	_, err := t.WaitRescheduled(func(error) Abort { return AbortSucceeded })
	return err
}

// SleepUntil parks the task until the run clock reaches deadline. A
// deadline in the past still executes a full checkpoint.
func (t *Task) SleepUntil(deadline float64) error {
	sc := NewCancelScope(WithDeadlineAt(deadline))
	return sc.Do(t, func() error { return t.SleepForever() })
}

// Sleep parks the task for d on the run clock. Sleep(0) is exactly
// Checkpoint.
func (t *Task) Sleep(d time.Duration) error {
	if d < 0 {
		panic("creche: negative sleep duration")
	}
	if d == 0 {
		return t.Checkpoint()
	}
	return t.SleepUntil(t.Now() + d.Seconds())
}

// Log emits msg into the execution trace, prefixed with the task's
// identity, when tracing is enabled.
func (t *Task) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s ", t)
		sb.WriteString(msg)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

// Logf is Log with formatting.
func (t *Task) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s ", t)
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}
