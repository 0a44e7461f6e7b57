package creche

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webriots/creche/multierror"
)

func TestNurseryRunsAllChildren(t *testing.T) {
	r := require.New(t)

	v, err := Run(func(t *Task) (int, error) {
		total := 0
		err := OpenNursery(t, func(n *Nursery) error {
			for i := 1; i <= 5; i++ {
				n.StartSoon("", func(ct *Task) error {
					total += i
					return nil
				})
			}
			return nil
		})
		// OpenNursery does not return until every child has.
		return total, err
	})
	r.NoError(err)
	r.Equal(15, v)
}

func TestNurseryBodyFinishesBeforeChildren(t *testing.T) {
	r := require.New(t)

	var order []string
	_, err := mockRun(func(t *Task) (struct{}, error) {
		err := OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("slow", func(ct *Task) error {
				if err := ct.Sleep(time.Second); err != nil {
					return err
				}
				order = append(order, "child")
				return nil
			})
			order = append(order, "body")
			return nil
		})
		order = append(order, "joined")
		return struct{}{}, err
	})
	r.NoError(err)
	r.Equal([]string{"body", "child", "joined"}, order)
}

func TestNurseryFirstErrorCancelsSiblings(t *testing.T) {
	r := require.New(t)

	boom := errors.New("boom")
	siblingCancelled := false
	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("bad", func(ct *Task) error {
				return boom
			})
			n.StartSoon("sibling", func(ct *Task) error {
				err := ct.SleepForever()
				siblingCancelled = IsCancelled(err)
				return err
			})
			return nil
		})
	})
	// The sibling's cancellation belongs to the nursery scope and is
	// absorbed on exit; only the real failure comes out.
	r.ErrorIs(err, boom)
	r.False(IsCancelled(err))
	r.True(siblingCancelled)
}

func TestNurseryAggregatesMultipleErrors(t *testing.T) {
	r := require.New(t)

	e1 := errors.New("first")
	e2 := errors.New("second")
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("a", func(*Task) error { return e1 })
			n.StartSoon("b", func(*Task) error { return e2 })
			return nil
		})
	})
	var agg *multierror.Error
	r.ErrorAs(err, &agg)
	r.Len(agg.Errors(), 2)
	r.ErrorIs(err, e1)
	r.ErrorIs(err, e2)
}

func TestNurseryBodyErrorJoinsAggregate(t *testing.T) {
	r := require.New(t)

	bodyErr := errors.New("body failed")
	childErr := errors.New("child failed")
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("child", func(ct *Task) error {
				return childErr
			})
			return bodyErr
		})
	})
	r.ErrorIs(err, bodyErr)
	r.ErrorIs(err, childErr)
}

func TestNurserySingleErrorUnwrapped(t *testing.T) {
	r := require.New(t)

	boom := errors.New("boom")
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("bad", func(*Task) error { return boom })
			return nil
		})
	})
	// One failure, relaxed grouping: the error itself, no wrapper.
	r.Equal(boom, err)
}

func TestNurseryStrictKeepsWrapper(t *testing.T) {
	r := require.New(t)

	boom := errors.New("boom")
	check := func(err error) {
		var agg *multierror.Error
		r.ErrorAs(err, &agg)
		r.Len(agg.Errors(), 1)
		r.True(agg.Strict())
		r.ErrorIs(err, boom)
	}

	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("bad", func(*Task) error { return boom })
			return nil
		}, WithStrict(true))
	})
	check(err)

	// The run-wide default does the same without per-nursery opts.
	_, err = Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("bad", func(*Task) error { return boom })
			return nil
		})
	}, WithStrictGroups())
	check(err)
}

func TestNurseryScopeCancelStopsChildren(t *testing.T) {
	r := require.New(t)

	stopped := 0
	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			for i := 0; i < 3; i++ {
				n.StartSoon("worker", func(ct *Task) error {
					err := ct.SleepForever()
					if IsCancelled(err) {
						stopped++
					}
					return err
				})
			}
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			n.CancelScope().Cancel()
			return nil
		})
	})
	r.NoError(err)
	r.Equal(3, stopped)
}

func TestNurseryStartSoonAfterClosePanics(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(t *Task) (struct{}, error) {
		var leaked *Nursery
		err := OpenNursery(t, func(n *Nursery) error {
			leaked = n
			return nil
		})
		if err != nil {
			return struct{}{}, err
		}
		leaked.StartSoon("late", func(*Task) error { return nil })
		return struct{}{}, nil
	})
	var pe *PanicError
	r.ErrorAs(err, &pe)
	r.Contains(pe.Value(), "closed to new arrivals")
}

func TestNurseryAccessors(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			r.Same(t, n.HostTask())
			r.Empty(n.Children())
			r.Zero(n.PendingStarts())

			n.StartSoon("alpha", func(ct *Task) error { return ct.Sleep(time.Second) })
			n.StartSoon("beta", func(ct *Task) error { return ct.Sleep(time.Second) })

			var names []string
			for _, child := range n.Children() {
				names = append(names, child.Name())
				r.Same(n, child.ParentNursery())
			}
			sort.Strings(names)
			r.Equal([]string{"alpha", "beta"}, names)

			r.Contains(t.ChildNurseries(), n)
			return nil
		})
	})
	r.NoError(err)
}

func TestNurseryStartHandsOff(t *testing.T) {
	r := require.New(t)

	var order []string
	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			v, err := n.Start(t, "server", func(ct *Task, status *TaskStatus) error {
				order = append(order, "init")
				// Before Started the child belongs to Start's holding
				// nursery and only aims at n.
				r.Same(n, ct.EventualParentNursery())
				r.NotSame(n, ct.ParentNursery())
				if err := ct.Sleep(time.Second); err != nil {
					return err
				}
				status.Started(8080)
				order = append(order, "serving")
				r.Same(n, ct.ParentNursery())
				r.Nil(ct.EventualParentNursery())
				return ct.Sleep(time.Second)
			})
			if err != nil {
				return err
			}
			order = append(order, "started")
			r.Equal(8080, v)
			return nil
		})
	})
	r.NoError(err)
	// Start blocks through init; after Started the child keeps
	// running under the nursery while the opener moves on.
	r.Equal([]string{"init", "serving", "started"}, order)
}

func TestNurseryStartFailureBeforeStarted(t *testing.T) {
	r := require.New(t)

	boom := errors.New("failed to bind")
	_, err := mockRun(func(t *Task) (struct{}, error) {
		nerr := OpenNursery(t, func(n *Nursery) error {
			_, serr := n.Start(t, "server", func(ct *Task, status *TaskStatus) error {
				return boom
			})
			// The failure belongs to the Start call, not the nursery.
			r.ErrorIs(serr, boom)
			return nil
		})
		return struct{}{}, nerr
	})
	r.NoError(err)
}

func TestNurseryStartNeverStarted(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		nerr := OpenNursery(t, func(n *Nursery) error {
			_, serr := n.Start(t, "quitter", func(ct *Task, status *TaskStatus) error {
				return nil
			})
			r.Error(serr)
			r.Contains(serr.Error(), "without calling Started")
			return nil
		})
		return struct{}{}, nerr
	})
	r.NoError(err)
}

func TestNurseryStartCallerCancelled(t *testing.T) {
	r := require.New(t)

	childCancelled := false
	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			sc, serr := MoveOnAfter(t, time.Second, func(*CancelScope) error {
				_, err := n.Start(t, "stuck", func(ct *Task, status *TaskStatus) error {
					err := ct.SleepForever()
					childCancelled = IsCancelled(err)
					return err
				})
				return err
			})
			if serr != nil {
				return serr
			}
			r.True(sc.CancelledCaught())
			return nil
		})
	})
	r.NoError(err)
	// Until Started, the child lives under the caller: cancelling
	// the caller takes the child down with it.
	r.True(childCancelled)
}

func TestNurseryStartedTwicePanics(t *testing.T) {
	r := require.New(t)

	_, err := mockRun(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			_, serr := n.Start(t, "eager", func(ct *Task, status *TaskStatus) error {
				status.Started(nil)
				status.Started(nil)
				return nil
			})
			return serr
		})
	})
	var pe *PanicError
	r.ErrorAs(err, &pe)
	r.Contains(pe.Value(), "Started called twice")
}

func TestNurseryNestedPropagates(t *testing.T) {
	r := require.New(t)

	boom := errors.New("deep failure")
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(outer *Nursery) error {
			outer.StartSoon("mid", func(mt *Task) error {
				return OpenNursery(mt, func(inner *Nursery) error {
					inner.StartSoon("leaf", func(*Task) error { return boom })
					return nil
				})
			})
			return nil
		})
	})
	r.ErrorIs(err, boom)
}

func TestNurseryForeignTaskMaySpawn(t *testing.T) {
	r := require.New(t)

	v, err := mockRun(func(t *Task) (int, error) {
		ran := 0
		err := OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("spawner", func(ct *Task) error {
				// A child may add siblings while the nursery is open.
				n.StartSoon("added", func(*Task) error {
					ran++
					return nil
				})
				return nil
			})
			return nil
		})
		return ran, err
	})
	r.NoError(err)
	r.Equal(1, v)
}
