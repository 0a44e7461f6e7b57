package creche

// flightCall is one in-flight execution that late arrivals attach to.
type flightCall struct {
	wg   WaitGroup
	val  any
	err  error
	dups int
}

// SingleFlight deduplicates concurrent operations by key: while one
// task is executing fn for a key, other tasks asking for the same key
// suspend and share its result instead of running their own. Results
// are not cached; once a flight lands, the next caller starts a new
// one.
//
// The zero SingleFlight is ready to use. A SingleFlight belongs to
// one run.
type SingleFlight struct {
	m map[any]*flightCall
}

// Do runs fn for key, or waits for the execution already running for
// key and shares its outcome. shared reports whether the result was
// produced by another task. A caller cancelled while waiting returns
// its cancellation instead of the shared result; the flight itself is
// unaffected, since it belongs to the task that started it.
func (g *SingleFlight) Do(t *Task, key any, fn func(*Task) (any, error)) (v any, err error, shared bool) {
	if g.m == nil {
		g.m = make(map[any]*flightCall)
	}

	if c, ok := g.m[key]; ok {
		c.dups++
		if werr := c.wg.Wait(t); werr != nil {
			return nil, werr, false
		}
		return c.val, c.err, true
	}

	c := new(flightCall)
	c.wg.Add(1)
	g.m[key] = c

	g.doCall(t, c, key, fn)
	return c.val, c.err, c.dups > 0
}

// doCall runs the flight on the calling task. The deferred release
// also runs if fn panics, so attached callers are never stranded.
func (g *SingleFlight) doCall(t *Task, c *flightCall, key any, fn func(*Task) (any, error)) {
	defer func() {
		c.wg.Done()
		if g.m[key] == c {
			delete(g.m, key)
		}
	}()

	c.val, c.err = fn(t)
}
