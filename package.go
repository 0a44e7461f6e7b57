// Package creche is a cooperative task runtime with structured
// concurrency. Tasks are coroutines multiplexed onto one scheduler
// goroutine; they suspend at explicit checkpoints, are organized into
// nurseries that bound their lifetimes, and are cancelled through
// nested cancel scopes rather than killed.
//
// Key components:
//
//   - Run: The entry point. It executes a main function as the root
//     task and returns only when every task started under it has
//     finished.
//
//   - Task: One cooperatively scheduled activity. A task suspends at
//     checkpoints, which are also where cancellation is delivered.
//
//   - Nursery: The only way to start concurrent tasks. Children
//     cannot outlive the OpenNursery call that created them, and
//     their errors come back out of it as one aggregate.
//
//   - CancelScope: A region of code with a deadline and a cancel
//     switch. Scopes nest; cancelling one cancels everything inside
//     it, delivered as *Cancelled errors at checkpoints.
//
//   - Token: The cross-goroutine mailbox. Foreign goroutines submit
//     callbacks that run inside the loop, in order.
//
//   - Reactor and Clock: Pluggable readiness and time backends. The
//     defaults are an in-memory reactor and the system clock; tests
//     swap in MockClock and drive VirtualReactor by hand.
//
//   - Synchronization primitives: ParkLot, Event, Semaphore, Mutex,
//     WaitGroup, and SingleFlight, all FIFO-fair and
//     cancellation-aware.
package creche
