package creche

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskYieldInterleavesFairly(t *testing.T) {
	r := require.New(t)

	var order []string
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			for _, name := range []string{"a", "b"} {
				n.StartSoon(name, func(ct *Task) error {
					for i := 0; i < 3; i++ {
						order = append(order, ct.Name())
						ct.Yield()
					}
					return nil
				})
			}
			return nil
		})
	})
	r.NoError(err)
	// Round-robin: each pass runs everything that was runnable when
	// the pass began, so the two tasks alternate strictly.
	r.Equal([]string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestTaskCheckpointIfCancelled(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		// No cancellation pending: no suspension, no error.
		r.NoError(t.CheckpointIfCancelled())

		sc, err := MoveOnAfter(t, time.Hour, func(sc *CancelScope) error {
			sc.Cancel()
			return t.CheckpointIfCancelled()
		})
		if err != nil {
			return struct{}{}, err
		}
		r.True(sc.CancelledCaught())
		return struct{}{}, nil
	})
	r.NoError(err)
}

func TestTaskManualParkAndReschedule(t *testing.T) {
	r := require.New(t)

	v, err := mockRun(func(t *Task) (string, error) {
		var parked *Task
		var got string
		err := OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("sleeper", func(ct *Task) error {
				parked = ct
				val, err := ct.WaitRescheduled(func(error) Abort {
					return AbortSucceeded
				})
				if err != nil {
					return err
				}
				got = val.(string)
				return nil
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			parked.Reschedule("pong", nil)
			return nil
		})
		return got, err
	})
	r.NoError(err)
	r.Equal("pong", v)
}

func TestTaskParkAbortSucceeds(t *testing.T) {
	r := require.New(t)

	aborted := false
	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("sleeper", func(ct *Task) error {
				_, err := ct.WaitRescheduled(func(reason error) Abort {
					aborted = true
					return AbortSucceeded
				})
				return err
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			n.CancelScope().Cancel()
			return nil
		})
	})
	r.NoError(err)
	r.True(aborted)
}

func TestTaskParkAbortFailedHoldsWait(t *testing.T) {
	r := require.New(t)

	v, err := mockRun(func(t *Task) (string, error) {
		var parked *Task
		var got string
		err := OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("diehard", func(ct *Task) error {
				parked = ct
				val, err := ct.WaitRescheduled(func(error) Abort {
					// The operation cannot be interrupted midway;
					// cancellation has to wait for the reschedule.
					return AbortFailed
				})
				if err != nil {
					return err
				}
				got = val.(string)
				return nil
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			n.CancelScope().Cancel()
			parked.Reschedule("pong", nil)
			return nil
		})
		return got, err
	})
	r.NoError(err)
	r.Equal("pong", v)
}

func TestTaskEffectiveDeadline(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		r.True(math.IsInf(t.EffectiveDeadline(), 1))

		_, err := MoveOnAt(t, t.Now()+100, func(*CancelScope) error {
			r.InDelta(t.Now()+100, t.EffectiveDeadline(), 0.5)

			// The inner, sooner deadline wins.
			_, ierr := MoveOnAt(t, t.Now()+5, func(*CancelScope) error {
				r.InDelta(t.Now()+5, t.EffectiveDeadline(), 0.5)
				return nil
			})
			if ierr != nil {
				return ierr
			}

			// A shield hides the outer deadline entirely.
			shield := NewCancelScope(WithShield())
			return shield.Do(t, func() error {
				r.True(math.IsInf(t.EffectiveDeadline(), 1))
				return nil
			})
		})
		return struct{}{}, err
	})
	r.NoError(err)
}

func TestTaskNowAdvancesWithSleep(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		before := t.Now()
		if err := t.Sleep(42 * time.Second); err != nil {
			return struct{}{}, err
		}
		r.InDelta(42, t.Now()-before, 0.5)
		return struct{}{}, nil
	})
	r.NoError(err)
}

func TestTaskIdentityAndNames(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("named", func(ct *Task) error {
				r.Equal("named", ct.Name())
				r.Contains(ct.String(), "named")
				r.NotEqual(t.ID(), ct.ID())
				// Trace annotations are callable whether or not a
				// trace is being collected.
				ct.Log("ready")
				ct.Logf("task %d", ct.ID())
				return nil
			})
			n.StartSoon("", func(ct *Task) error {
				// Anonymous tasks get a generated, unique name.
				r.NotEmpty(ct.Name())
				r.NotEqual("named", ct.Name())
				return nil
			})
			return nil
		})
	})
	r.NoError(err)
}

func TestTaskContextCarriesTask(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(t *Task) (struct{}, error) {
		got := MustTaskFromContext(t.Context())
		r.Same(t, got)
		return struct{}{}, nil
	})
	r.NoError(err)

	_, ok := TaskFromContext(context.Background())
	r.False(ok)
	r.Panics(func() { MustTaskFromContext(context.Background()) })
}

func TestTaskCheckpointCounters(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		s0, c0 := t.SchedulePoints(), t.CancelPoints()

		t.Yield()
		r.Equal(s0+1, t.SchedulePoints())
		r.Equal(c0, t.CancelPoints())

		r.NoError(t.Checkpoint())
		r.Equal(s0+2, t.SchedulePoints())
		r.Equal(c0+1, t.CancelPoints())

		// Nothing pending, so this is a cancel point without a
		// suspension.
		r.NoError(t.CheckpointIfCancelled())
		r.Equal(s0+2, t.SchedulePoints())
		r.Equal(c0+2, t.CancelPoints())
		return struct{}{}, nil
	})
	r.NoError(err)
}
