// Package errgroup mirrors golang.org/x/sync/errgroup for code
// running inside a creche run. A Group collects the first error from
// a set of sibling operations, cancels the rest when one fails, and
// waits for all of them before reporting.
//
// The differences from golang.org/x/sync/errgroup follow from the
// cooperative model: siblings are tasks, not goroutines; Wait takes
// the waiting task; and Go never blocks the submitter when a
// concurrency limit is set, the limit is enforced inside the spawned
// task instead.
package errgroup

import (
	"context"

	"github.com/webriots/creche"
)

// Group supervises operations spawned with Go. Use Run to obtain one;
// the zero Group is not usable.
type Group struct {
	task    *creche.Task
	nursery *creche.Nursery
	ctx     context.Context
	cancel  context.CancelCauseFunc
	sem     *creche.Semaphore
	wg      creche.WaitGroup
	active  int
	err     error
}

// Run opens a group around fn. Operations started with g.Go run as
// sibling tasks; when fn returns, Run waits for all of them and
// returns fn's error, or the first error any operation reported. The
// ctx given to fn and to every operation is cancelled as soon as one
// of them fails, and when Run's own caller is cancelled.
func Run(t *creche.Task, fn func(ctx context.Context, g *Group) error) error {
	g := &Group{task: t}
	g.ctx, g.cancel = context.WithCancelCause(t.Context())
	defer g.cancel(nil)

	err := creche.OpenNursery(t, func(n *creche.Nursery) error {
		g.nursery = n
		return fn(g.ctx, g)
	})
	if err != nil {
		return err
	}
	return g.err
}

// Go starts f as a new task in the group. If f returns a non-nil
// error, that error is remembered (first one wins) and every other
// operation in the group is cancelled. With a limit set, f waits for
// a free slot after it is spawned.
func (g *Group) Go(f func(ctx context.Context) error) {
	g.active++
	g.wg.Add(1)
	g.start(f, false)
}

// TryGo starts f only if the group's limit has a free slot right now.
// It reports whether f was started. Without a limit it always starts
// f.
func (g *Group) TryGo(f func(ctx context.Context) error) bool {
	reserved := false
	if g.sem != nil {
		if !g.sem.TryAcquire() {
			return false
		}
		reserved = true
	}
	g.active++
	g.wg.Add(1)
	g.start(f, reserved)
	return true
}

func (g *Group) start(f func(ctx context.Context) error, reserved bool) {
	// Each operation's ctx derives from the group ctx so it sees the
	// group's cancellation and values, and carries the operation's
	// own task for creche.TaskFromContext.
	g.nursery.StartSoonCtx(g.ctx, "", func(ct *creche.Task) error {
		defer func() {
			g.active--
			g.wg.Done()
		}()
		if reserved {
			defer g.sem.Release()
		} else if g.sem != nil {
			if err := g.sem.Acquire(ct); err != nil {
				g.record(err)
				return nil
			}
			defer g.sem.Release()
		}
		if err := f(ct.Context()); err != nil {
			g.record(err)
		}
		return nil
	})
}

// record keeps the first error and turns it into cancellation for the
// rest of the group. Errors reported to the group never reach the
// nursery directly; the group is the single bookkeeper, which is what
// gives Wait its first-error-only shape.
func (g *Group) record(err error) {
	if g.err != nil {
		return
	}
	g.err = err
	g.cancel(err)
	g.nursery.CancelScope().Cancel()
}

// SetLimit caps how many operations run at once. A negative n removes
// the cap. Changing the limit while operations are active panics.
func (g *Group) SetLimit(n int) {
	if g.active != 0 {
		panic("creche/errgroup: limit changed while operations are active")
	}
	if n < 0 {
		g.sem = nil
		return
	}
	g.sem = creche.NewSemaphore(n)
}

// Wait suspends t until every operation started so far has finished,
// then returns the group's first error. Run performs the same wait
// implicitly; Wait is for checking results midway.
func (g *Group) Wait(t *creche.Task) error {
	if err := g.wg.Wait(t); err != nil {
		return err
	}
	return g.err
}
