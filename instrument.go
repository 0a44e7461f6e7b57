package creche

import "slices"

// Instrument receives callbacks from the run loop at interesting
// moments. Hooks run synchronously on the loop goroutine, so they
// must be fast and must not call back into the run. A hook that
// panics gets its instrument dropped from the active set; the run
// itself carries on.
//
// Embed NullInstrument to implement only the hooks you care about.
type Instrument interface {
	// BeforeRun fires once, before the first task runs.
	BeforeRun()
	// AfterRun fires once, after the last task has exited.
	AfterRun()
	// TaskSpawned fires when a task is created, before its first
	// step.
	TaskSpawned(t *Task)
	// TaskScheduled fires when a task is put on the run queue.
	TaskScheduled(t *Task)
	// BeforeTaskStep and AfterTaskStep bracket one resumption of a
	// task.
	BeforeTaskStep(t *Task)
	AfterTaskStep(t *Task)
	// TaskExited fires after a task's outcome has been recorded.
	TaskExited(t *Task)
	// BeforeIOWait and AfterIOWait bracket the reactor poll. The
	// timeout is the requested sleep in seconds, not the time
	// actually slept.
	BeforeIOWait(timeout float64)
	AfterIOWait(timeout float64)
}

// NullInstrument implements Instrument with empty hooks.
type NullInstrument struct{}

func (NullInstrument) BeforeRun()           {}
func (NullInstrument) AfterRun()            {}
func (NullInstrument) TaskSpawned(*Task)    {}
func (NullInstrument) TaskScheduled(*Task)  {}
func (NullInstrument) BeforeTaskStep(*Task) {}
func (NullInstrument) AfterTaskStep(*Task)  {}
func (NullInstrument) TaskExited(*Task)     {}
func (NullInstrument) BeforeIOWait(float64) {}
func (NullInstrument) AfterIOWait(float64)  {}

func (r *runner) eachInstrument(call func(Instrument)) {
	if len(r.instruments) == 0 {
		return
	}
	var dead []int
	for i, in := range r.instruments {
		if !callInstrument(in, call) {
			dead = append(dead, i)
		}
	}
	for j := len(dead) - 1; j >= 0; j-- {
		r.instruments = slices.Delete(r.instruments, dead[j], dead[j]+1)
	}
}

func callInstrument(in Instrument, call func(Instrument)) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	call(in)
	return true
}
