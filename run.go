package creche

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
)

type runConfig struct {
	clock       Clock
	reactor     Reactor
	instruments []Instrument
	strict      bool
	signals     []os.Signal
	sigCh       chan os.Signal
	baseCtx     context.Context
}

// RunOption configures a call to Run.
type RunOption func(*runConfig)

// WithClock substitutes the run's time source. Tests use this with a
// MockClock to make timeouts instant.
func WithClock(c Clock) RunOption {
	return func(cfg *runConfig) { cfg.clock = c }
}

// WithReactor substitutes the readiness backend the loop sleeps on.
// The default is a fresh VirtualReactor. The run closes the reactor
// when it finishes, so a reactor belongs to exactly one run.
func WithReactor(rx Reactor) RunOption {
	return func(cfg *runConfig) { cfg.reactor = rx }
}

// WithInstruments attaches instruments for the whole run.
func WithInstruments(ins ...Instrument) RunOption {
	return func(cfg *runConfig) { cfg.instruments = append(cfg.instruments, ins...) }
}

// WithStrictGroups makes every nursery report child failures as a
// *multierror.Error even when there is only one, unless the nursery
// overrides it with WithStrict. Without this option a lone failure
// passes through as itself.
func WithStrictGroups() RunOption {
	return func(cfg *runConfig) { cfg.strict = true }
}

// WithInterruptSignals registers the given os signals for the run.
// When one arrives, the main task gets an *Interrupted error at its
// next checkpoint, exactly once per burst; what happens then is the
// main task's decision. Returning the error makes Run return it,
// which is the polite way to die on SIGINT. With no signals listed no
// handler is installed.
func WithInterruptSignals(sigs ...os.Signal) RunOption {
	return func(cfg *runConfig) { cfg.signals = append(cfg.signals, sigs...) }
}

// WithBaseContext sets the context every task in the run derives its
// own from. Deadlines or cancellation on it are not watched; it is
// for values.
func WithBaseContext(ctx context.Context) RunOption {
	return func(cfg *runConfig) { cfg.baseCtx = ctx }
}

// withSignalChannel feeds the interrupt machinery from ch instead of
// installing a real os handler.
func withSignalChannel(ch chan os.Signal) RunOption {
	return func(cfg *runConfig) { cfg.sigCh = ch }
}

// Run executes main as the root task of a new run and blocks until
// the run is over: main returned, every task main started has
// finished, and the run's own services have wound down. It returns
// whatever main returned.
//
// Each call to Run is a separate world. Two concurrent runs share
// nothing, and a value from one run (a task, a nursery, a scope) must
// never be handed to another. Calling Run from inside a task
// technically works but blocks the enclosing run until the inner one
// completes, which defeats the point; keep runs at the top of the
// call tree.
//
// An error return is main's own error, except *InternalError, which
// reports a bug in the runtime machinery rather than in main.
func Run[T any](main func(*Task) (T, error), opts ...RunOption) (T, error) {
	var zero T
	cfg := runConfig{
		clock:   NewSystemClock(),
		reactor: NewVirtualReactor(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &runner{
		clock:        cfg.clock,
		reactor:      cfg.reactor,
		tasks:        make(map[*Task]struct{}),
		ioWaiters:    make(map[Handle]*ioWaiterPair),
		instruments:  slices.Clone(cfg.instruments),
		strictGroups: cfg.strict,
		baseCtx:      cfg.baseCtx,
	}
	r.token = newToken(cfg.reactor.Wakeup)
	r.mailbox = &mailbox{token: r.token}
	if mc, ok := cfg.clock.(*MockClock); ok {
		mc.changed = cfg.reactor.Wakeup
	}

	stopBridge := startSignalBridge(r, &cfg)
	defer stopBridge()

	var result T
	err := r.run(func(t *Task) error {
		v, err := main(t)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// run drives the loop to completion and sorts the wreckage: main's
// outcome comes back as is, anything else that escaped becomes an
// *InternalError.
func (r *runner) run(main func(*Task) error) (runErr error) {
	defer func() {
		if p := recover(); p != nil {
			r.teardown()
			runErr = newInternalError(recoveredError(p))
		}
		r.token.close()
		_ = r.reactor.Close()
		r.eachInstrument(func(in Instrument) { in.AfterRun() })
	}()

	r.eachInstrument(func(in Instrument) { in.BeforeRun() })
	r.clock.Start()
	r.initTask = r.spawnImpl(func(t *Task) (any, error) {
		return nil, r.initBody(t, main)
	}, nil, "<init>", true, nil)

	r.mainLoop()

	if r.initOutcome == nil {
		return newInternalError(errors.New("init task never reported an outcome"))
	}
	if r.initOutcome.err != nil {
		return newInternalError(r.initOutcome.err)
	}
	if r.mainOutcome == nil {
		return newInternalError(errors.New("main task never reported an outcome"))
	}
	return r.mainOutcome.err
}

// initBody is the root of the task tree. The nesting gives the run
// its shutdown order: the main task's nursery closes first, then
// system tasks are cancelled and drain, and the mailbox task goes
// last so token callbacks keep running until there is no user code
// left to observe them.
func (r *runner) initBody(t *Task, main func(*Task) error) error {
	return OpenNursery(t, func(mailboxNursery *Nursery) error {
		r.mailboxNursery = mailboxNursery
		mailboxNursery.StartSoon("<mailbox>", r.mailbox.taskBody)

		err := OpenNursery(t, func(systemNursery *Nursery) error {
			r.systemNursery = systemNursery

			errMain := OpenNursery(t, func(mainNursery *Nursery) error {
				r.mainTask = r.spawnImpl(func(mt *Task) (any, error) {
					return nil, main(mt)
				}, mainNursery, "<main>", false, r.baseCtx)
				return nil
			})

			// Main is done; tell the system tasks to pack up.
			systemNursery.CancelScope().Cancel()
			return errMain
		})

		mailboxNursery.CancelScope().Cancel()
		return err
	})
}

// teardown runs after the loop has crashed. Every surviving coroutine
// is cancelled so its goroutine unwinds and exits; their defers run,
// their recovers see the teardown in progress and re-panic.
func (r *runner) teardown() {
	r.tearingDown = true
	for t := range r.tasks {
		t.cancelCoro()
	}
	clear(r.tasks)
}

type interruptKey struct{}

// startSignalBridge connects os signals to the run's interrupt flag
// via the token, so the flag is only ever touched from the loop
// goroutine. The returned stop function unregisters the handler and
// waits for the bridge goroutine to exit; Run calls it on every path
// out.
func startSignalBridge(r *runner, cfg *runConfig) (stop func()) {
	if len(cfg.signals) == 0 && cfg.sigCh == nil {
		return func() {}
	}
	ch := cfg.sigCh
	if ch == nil {
		ch = make(chan os.Signal, 1)
		signal.Notify(ch, cfg.signals...)
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				// Idempotent: a burst of signals before the run
				// loop gets a chance to react folds into one
				// interrupt. Submission after the run has
				// finished is reported as ErrRunFinished, which
				// the bridge has no use for.
				_ = r.token.RunSyncSoonIdempotent(interruptKey{}, func() {
					r.interruptPending = true
					r.interruptSignal = sig
					if r.mainTask != nil {
						r.mainTask.attemptDeliveryOfPendingInterrupt()
					}
				})
			case <-done:
				return
			}
		}
	}()
	return func() {
		if cfg.sigCh == nil {
			signal.Stop(ch)
		}
		close(done)
		<-exited
	}
}

func recoveredError(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return newPanicError(p)
}
