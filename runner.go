package creche

import (
	"context"
	"errors"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/gammazero/deque"
	"github.com/webriots/creche/multierror"
)

// runner holds all loop-side state for one run. Everything in it is
// touched only with the loop goroutine at rest or from the loop
// goroutine itself, except the token's queue, which has its own lock.
type runner struct {
	clock   Clock
	reactor Reactor

	deadlines deadlines
	runq      deque.Deque[*Task]
	tasks     map[*Task]struct{}
	taskID    uint64

	initTask    *Task
	mainTask    *Task
	mainOutcome *outcome
	initOutcome *outcome

	systemNursery  *Nursery
	mailboxNursery *Nursery
	baseCtx        context.Context

	token   *Token
	mailbox *mailbox

	instruments []Instrument

	idleWaiters []idleEntry
	idleSeq     uint64

	ioWaiters map[Handle]*ioWaiterPair

	strictGroups     bool
	interruptPending bool
	interruptSignal  os.Signal
	tearingDown      bool
}

type idleEntry struct {
	cushion float64
	seq     uint64
	task    *Task
}

type ioWaiterPair struct {
	read  *Task
	write *Task
}

func (r *runner) nextTaskID() uint64 {
	r.taskID++
	return r.taskID
}

// reschedule queues a parked or fresh task to run on the next pass,
// with out as the result of whatever it was waiting for. A task can
// be in the queue at most once; two owners waking the same wait is a
// protocol violation, not a race to tolerate.
func (r *runner) reschedule(t *Task, out outcome) {
	if t.scheduled {
		panic("creche: task rescheduled while already scheduled")
	}
	t.scheduled = true
	t.nextWake = out
	t.abortFn = nil
	r.runq.PushBack(t)
	r.eachInstrument(func(in Instrument) { in.TaskScheduled(t) })
}

// spawnImpl creates a task, registers it in its nursery and the
// nursery's cancel status, and queues its first step. A nil ctx
// inherits the nursery host's context (or the run's base context for
// system tasks and the init task).
func (r *runner) spawnImpl(body func(*Task) (any, error), nursery *Nursery, name string, system bool, ctx context.Context) *Task {
	if nursery != nil && nursery.closed {
		panic("creche: nursery is closed to new arrivals")
	}
	if nursery == nil && r.initTask != nil {
		panic("creche: task spawned outside any nursery")
	}
	if ctx == nil {
		if nursery != nil && !system {
			ctx = nursery.host.ctx
		} else {
			ctx = r.baseCtx
		}
	}
	task := newTask(r, ctx, name, body, nursery)
	r.tasks[task] = struct{}{}
	if nursery != nil {
		nursery.children[task] = struct{}{}
		task.activateCancelStatus(nursery.scope.status)
	}
	r.eachInstrument(func(in Instrument) { in.TaskSpawned(task) })
	r.reschedule(task, outcome{})
	return task
}

// step resumes a task once and routes whatever it did next: exited,
// yielded, or parked.
func (r *runner) step(t *Task) {
	t.scheduled = false
	out := t.nextWake
	t.nextWake = outcome{}

	r.eachInstrument(func(in Instrument) { in.BeforeTaskStep(t) })
	msg, alive := t.resume(out)
	r.eachInstrument(func(in Instrument) { in.AfterTaskStep(t) })

	if !alive {
		r.taskExited(t, t.result)
		return
	}
	switch msg {
	case msgYield:
		r.reschedule(t, outcome{})
	case msgWait:
		if t.abortFn == nil {
			panic("creche: task parked without an abort handler")
		}
		if r.interruptPending && t == r.mainTask {
			t.attemptDeliveryOfPendingInterrupt()
		}
		t.attemptDeliveryOfAnyPendingCancel()
	}
}

func (r *runner) taskExited(t *Task, out outcome) {
	switch {
	case t.cancelStatus != nil && t.cancelStatus.abandoned && t.cancelStatus.parent == nil:
		// The scope enclosing this task's nursery was exited while
		// the task was still alive; the task has been running
		// force-cancelled ever since.
		out = outcome{err: multierror.WithCause(
			errors.New("creche: cancel scope stack corrupted: the scope enclosing this task's nursery was closed before the task exited"),
			out.err)}
	case t.parentNursery != nil && t.cancelStatus != t.parentNursery.scope.status:
		// The task returned with scopes it entered still open.
		out = outcome{err: multierror.WithCause(
			errors.New("creche: task exited with cancel scopes still open"),
			out.err)}
	}

	if t == r.mainTask {
		saved := out
		r.mainOutcome = &saved
		out = outcome{}
	}
	t.activateCancelStatus(nil)
	delete(r.tasks, t)
	if t == r.initTask {
		saved := out
		r.initOutcome = &saved
		if len(r.tasks) != 0 {
			panic("creche: init task exited before all other tasks")
		}
	} else {
		t.parentNursery.childFinished(t, out)
	}
	r.eachInstrument(func(in Instrument) { in.TaskExited(t) })
}

// SpawnSystemTask spawns fn as a system task: a background service of
// the run itself. System tasks live outside the main task's tree, are
// cancelled automatically once the main task finishes, and any other
// error from one of them is treated as an internal crash that takes
// the whole run down.
func SpawnSystemTask(t *Task, name string, fn func(*Task) error) error {
	r := t.runner
	if r.systemNursery == nil || r.systemNursery.closed {
		return errors.New("creche: system nursery is closed")
	}
	r.spawnImpl(func(st *Task) (any, error) {
		return nil, fn(st)
	}, r.systemNursery, name, true, nil)
	return nil
}

// WaitAllTasksBlocked parks the task until every other task in the
// run is parked too, and has been for at least cushion of real time.
// Among waiters the one with the smallest cushion wakes first; equal
// cushions wake together. This is a test helper: it lets a test get
// out of the way until the code under test cannot make progress on
// its own.
func (t *Task) WaitAllTasksBlocked(cushion time.Duration) error {
	r := t.runner
	sec := cushion.Seconds()
	entry := idleEntry{cushion: sec, seq: r.idleSeq, task: t}
	r.idleSeq++
	i := sort.Search(len(r.idleWaiters), func(i int) bool {
		w := r.idleWaiters[i]
		if w.cushion != entry.cushion {
			return w.cushion > entry.cushion
		}
		return w.seq > entry.seq
	})
	r.idleWaiters = slices.Insert(r.idleWaiters, i, entry)
	_, err := t.WaitRescheduled(func(error) Abort {
		for j, w := range r.idleWaiters {
			if w.task == t {
				r.idleWaiters = slices.Delete(r.idleWaiters, j, j+1)
				break
			}
		}
		return AbortSucceeded
	})
	return err
}

// WaitReadable parks the task until the reactor reports h readable.
func (t *Task) WaitReadable(h Handle) error {
	return t.runner.waitIO(t, h, IORead)
}

// WaitWritable parks the task until the reactor reports h writable.
func (t *Task) WaitWritable(h Handle) error {
	return t.runner.waitIO(t, h, IOWrite)
}

// NotifyClosing wakes any tasks waiting on h with ErrClosedResource.
// Call it before closing a handle others may be waiting on, so they
// unwind instead of waiting for a readiness that will never come.
func (t *Task) NotifyClosing(h Handle) {
	t.runner.notifyClosing(h)
}

func (r *runner) waitIO(t *Task, h Handle, dir IODirection) error {
	if h == 0 {
		panic("creche: zero io handle")
	}
	w := r.ioWaiters[h]
	if w == nil {
		w = &ioWaiterPair{}
		r.ioWaiters[h] = w
	}
	slot := &w.read
	if dir == IOWrite {
		slot = &w.write
	}
	if *slot != nil {
		return ErrBusyResource
	}
	if err := r.reactor.Arm(h, dir); err != nil {
		r.cleanupIOWaiter(h, w)
		return err
	}
	*slot = t
	_, err := t.WaitRescheduled(func(error) Abort {
		*slot = nil
		r.reactor.Disarm(h, dir)
		r.cleanupIOWaiter(h, w)
		return AbortSucceeded
	})
	return err
}

func (r *runner) cleanupIOWaiter(h Handle, w *ioWaiterPair) {
	if w.read == nil && w.write == nil {
		delete(r.ioWaiters, h)
	}
}

// processEvents wakes the tasks whose readiness the reactor reported.
// Events with no waiter (a task gave up just before they fired) are
// dropped; readiness is level-ish and will be reported again if
// someone re-arms.
func (r *runner) processEvents(events []IOEvent) {
	for _, ev := range events {
		w := r.ioWaiters[ev.Handle]
		if w == nil {
			continue
		}
		slot := &w.read
		if ev.Dir == IOWrite {
			slot = &w.write
		}
		task := *slot
		if task == nil {
			continue
		}
		*slot = nil
		r.reactor.Disarm(ev.Handle, ev.Dir)
		r.cleanupIOWaiter(ev.Handle, w)
		r.reschedule(task, outcome{})
	}
}

func (r *runner) notifyClosing(h Handle) {
	w := r.ioWaiters[h]
	if w == nil {
		return
	}
	for _, task := range [...]*Task{w.read, w.write} {
		if task != nil {
			task.attemptAbort(ErrClosedResource)
		}
	}
}

// Statistics is a point-in-time snapshot of run-wide counters.
type Statistics struct {
	// TasksLiving counts all live tasks, including system tasks and
	// the init task.
	TasksLiving int
	// TasksRunnable counts tasks queued to run on the next pass.
	TasksRunnable int
	// SecondsToNextDeadline is the time until the soonest cancel
	// scope deadline, +Inf if none is registered.
	SecondsToNextDeadline float64
	// RunSyncSoonQueueSize counts token callbacks waiting to run.
	RunSyncSoonQueueSize int
	// IO reports the reactor's own statistics.
	IO IOStatistics
}

func (r *runner) statistics() Statistics {
	return Statistics{
		TasksLiving:           len(r.tasks),
		TasksRunnable:         r.runq.Len(),
		SecondsToNextDeadline: r.deadlines.nextDeadline() - r.clock.Now(),
		RunSyncSoonQueueSize:  r.token.queueSize(),
		IO:                    r.reactor.Statistics(),
	}
}
