package creche

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// maxTimeout caps how long a single reactor poll may block, in
// seconds. Waking at least this often costs nothing measurable and
// bounds how stale the loop's view of the clock can get.
const maxTimeout float64 = 24 * 60 * 60

type idlePrimed uint8

const (
	primedNone idlePrimed = iota
	primedIdle
	primedAutojump
)

// mainLoop runs scheduler passes until every task has exited. The
// init task is always the last one out.
func (r *runner) mainLoop() {
	for len(r.tasks) > 0 {
		r.loopPass()
	}
}

// loopPass is one turn of the scheduler: sleep until something can
// happen, apply what happened (io readiness, expired deadlines,
// token callbacks, idleness), then run every task that was runnable
// when the turn started. Tasks made runnable during the batch wait
// for the next turn, which keeps one busy task from starving the
// rest.
func (r *runner) loopPass() {
	var timeout float64
	if r.runq.Len() > 0 {
		timeout = 0
	} else {
		timeout = r.clock.SleepTime(r.deadlines.nextDeadline())
	}
	timeout = math.Min(math.Max(timeout, 0), maxTimeout)

	// An idle waiter's cushion (or a virtual clock's autojump
	// threshold) bounds the sleep: if the timeout hits with nothing
	// else happening, the run is officially idle and the idle action
	// fires. Idle waiters take precedence since waking them doesn't
	// need the clock jumped.
	primed := primedNone
	var primedCushion float64
	if len(r.idleWaiters) > 0 {
		if cushion := r.idleWaiters[0].cushion; cushion < timeout {
			timeout = cushion
			primed = primedIdle
			primedCushion = cushion
		}
	} else if aj, ok := r.clock.(autojumper); ok && aj.AutojumpThreshold() < timeout {
		timeout = aj.AutojumpThreshold()
		primed = primedAutojump
	}

	r.eachInstrument(func(in Instrument) { in.BeforeIOWait(timeout) })
	events, pollErr := r.reactor.Poll(sleepDuration(timeout))
	if pollErr != nil {
		panic(fmt.Errorf("creche: reactor poll failed: %w", pollErr))
	}
	// A non-nil slice, even an empty one, means the poll returned
	// early because something happened (readiness or a Wakeup). Only
	// a nil slice means the full timeout elapsed undisturbed, which
	// is what arms the idle action below.
	hadEvents := events != nil
	r.processEvents(events)
	r.maybeWakeMailbox()
	r.eachInstrument(func(in Instrument) { in.AfterIOWait(timeout) })

	now := r.clock.Now()
	if r.deadlines.expire(now) {
		primed = primedNone
	}

	if primed != primedNone && r.runq.Len() == 0 && !hadEvents {
		switch primed {
		case primedIdle:
			for len(r.idleWaiters) > 0 && r.idleWaiters[0].cushion == primedCushion {
				w := r.idleWaiters[0]
				r.idleWaiters = slices.Delete(r.idleWaiters, 0, 1)
				r.reschedule(w.task, outcome{})
			}
		case primedAutojump:
			r.clock.(autojumper).Autojump(r.deadlines.nextDeadline() - now)
		}
	}

	batch := r.runq.Len()
	for i := 0; i < batch; i++ {
		r.step(r.runq.PopFront())
	}
}

func sleepDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
