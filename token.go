package creche

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

// Token is the one part of a run that other goroutines may touch. It
// queues plain functions to be executed inside the run, in order, by a
// system task. Everything else in this package belongs to the run's
// own goroutines; the token is how signal handlers, timers, and
// foreign event loops reach in.
//
// A Token is only meaningful for its own run. Once the run finishes
// its methods return ErrRunFinished.
type Token struct {
	id     uuid.UUID
	wakeup func()

	mu          sync.Mutex
	queue       deque.Deque[tokenEntry]
	pendingKeys map[any]struct{}
	finished    bool
}

type tokenEntry struct {
	fn         func()
	key        any
	idempotent bool
}

func newToken(wakeup func()) *Token {
	return &Token{
		id:          uuid.New(),
		wakeup:      wakeup,
		pendingKeys: make(map[any]struct{}),
	}
}

// ID returns the token's unique identity. Distinct runs always have
// distinct identities, so a stored token can be checked against the
// current run's.
func (tk *Token) ID() uuid.UUID { return tk.id }

func (tk *Token) String() string { return "creche.Token(" + tk.id.String() + ")" }

// RunSyncSoon schedules fn to run inside the run loop. It is safe to
// call from any goroutine, including concurrently with the run
// shutting down: either fn runs to completion before Run returns, or
// RunSyncSoon returns ErrRunFinished and fn never runs. Callbacks run
// in submission order, a bounded batch per scheduler pass, and must
// not block.
func (tk *Token) RunSyncSoon(fn func()) error {
	return tk.enqueue(tokenEntry{fn: fn})
}

// RunSyncSoonIdempotent is RunSyncSoon with coalescing: if an entry
// with the same key is already queued and has not started running,
// fn is dropped. Keys are compared as map keys. Ordering relative to
// non-idempotent entries is preserved.
func (tk *Token) RunSyncSoonIdempotent(key any, fn func()) error {
	if key == nil {
		panic("creche: nil idempotency key")
	}
	return tk.enqueue(tokenEntry{fn: fn, key: key, idempotent: true})
}

func (tk *Token) enqueue(e tokenEntry) error {
	tk.mu.Lock()
	if tk.finished {
		tk.mu.Unlock()
		return ErrRunFinished
	}
	if e.idempotent {
		if _, dup := tk.pendingKeys[e.key]; dup {
			tk.mu.Unlock()
			return nil
		}
		tk.pendingKeys[e.key] = struct{}{}
	}
	tk.queue.PushBack(e)
	tk.mu.Unlock()
	tk.wakeup()
	return nil
}

func (tk *Token) queueSize() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.queue.Len()
}

// popOne removes the next entry. Ending an idempotent entry's
// coalescing window here, as the callback is about to run rather than
// when it finishes, means a callback that re-submits its own key
// queues a fresh execution instead of being swallowed.
func (tk *Token) popOne() (tokenEntry, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.queue.Len() == 0 {
		return tokenEntry{}, false
	}
	e := tk.queue.PopFront()
	if e.idempotent {
		delete(tk.pendingKeys, e.key)
	}
	return e, true
}

func (tk *Token) close() {
	tk.mu.Lock()
	tk.finished = true
	tk.mu.Unlock()
}

// mailbox is the loop-side half of the token: a system task that
// drains the queue, plus the loop hook that wakes it.
type mailbox struct {
	token  *Token
	waiter *Task
}

// maybeWakeMailbox runs once per scheduler pass, standing in for the
// wakeup the token gave when a callback was submitted from outside.
func (r *runner) maybeWakeMailbox() {
	mb := r.mailbox
	if mb == nil || mb.waiter == nil {
		return
	}
	if mb.token.queueSize() == 0 {
		return
	}
	w := mb.waiter
	mb.waiter = nil
	r.reschedule(w, outcome{})
}

// taskBody is the mailbox system task. It outlives everything except
// the init task: cancellation reaches it only after all other tasks
// are gone, at which point it seals the token and drains whatever
// made it in before the seal.
func (mb *mailbox) taskBody(t *Task) error {
	for {
		mb.runAllBounded(t)
		mb.waiter = t
		_, err := t.WaitRescheduled(func(error) Abort {
			if mb.waiter == t {
				mb.waiter = nil
			}
			return AbortSucceeded
		})
		if err != nil {
			mb.token.close()
			mb.runAllBounded(t)
			if mb.token.queueSize() != 0 {
				panic("creche: token queue not empty after final drain")
			}
			return nil
		}
	}
}

// runAllBounded runs the callbacks that were queued when the pass
// began. Anything submitted while they run waits for the next pass,
// so a callback that resubmits itself cannot starve the tasks.
func (mb *mailbox) runAllBounded(t *Task) {
	n := mb.token.queueSize()
	for i := 0; i < n; i++ {
		e, ok := mb.token.popOne()
		if !ok {
			break
		}
		mb.runEntry(t, e)
	}
}

// runEntry runs one callback. A panicking callback doesn't take the
// mailbox down with it: the batch finishes, and the panic is
// re-raised inside a fresh system task so it crashes the run through
// the normal channel.
func (mb *mailbox) runEntry(t *Task, e tokenEntry) {
	defer func() {
		if p := recover(); p != nil {
			if t.runner.tearingDown {
				panic(p)
			}
			perr := newPanicError(p)
			rethrow := func(*Task) error { return perr }
			if err := SpawnSystemTask(t, "token-callback-crash", rethrow); err != nil {
				// Too late in shutdown for system tasks; the
				// mailbox's own nursery is still open.
				t.parentNursery.StartSoon("token-callback-crash", rethrow)
			}
		}
	}()
	e.fn()
}
