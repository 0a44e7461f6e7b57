package creche

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVirtualReactorHandles(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h1 := vr.NewHandle()
	h2 := vr.NewHandle()
	r.NotZero(h1)
	r.NotZero(h2)
	r.NotEqual(h1, h2)

	r.Error(vr.Arm(Handle(9999), IORead))
	r.Error(vr.Arm(0, IORead))
}

func TestVirtualReactorReadiness(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	r.NoError(vr.Arm(h, IORead))

	vr.MarkReadable(h)
	events, err := vr.Poll(0)
	r.NoError(err)
	r.Equal([]IOEvent{{Handle: h, Dir: IORead}}, events)

	// Readiness is consumed by delivery; with nothing new, a zero
	// timeout elapses undisturbed and reports nil.
	events, err = vr.Poll(0)
	r.NoError(err)
	r.Nil(events)
}

func TestVirtualReactorReadinessBeforeArm(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()

	// Readiness is sticky: marking before anyone is armed must not
	// lose the edge.
	vr.MarkReadable(h)
	r.NoError(vr.Arm(h, IORead))

	events, err := vr.Poll(0)
	r.NoError(err)
	r.Equal([]IOEvent{{Handle: h, Dir: IORead}}, events)
}

func TestVirtualReactorEventOrder(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h1 := vr.NewHandle()
	h2 := vr.NewHandle()
	r.NoError(vr.Arm(h1, IORead))
	r.NoError(vr.Arm(h2, IORead))
	r.NoError(vr.Arm(h2, IOWrite))

	vr.MarkWritable(h2)
	vr.MarkReadable(h2)
	vr.MarkReadable(h1)

	events, err := vr.Poll(0)
	r.NoError(err)
	r.Equal([]IOEvent{
		{Handle: h1, Dir: IORead},
		{Handle: h2, Dir: IORead},
		{Handle: h2, Dir: IOWrite},
	}, events)
}

func TestVirtualReactorWakeupCoalesces(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	vr.Wakeup()
	vr.Wakeup()
	vr.Wakeup()

	// One wake, delivered as an early return with no events.
	events, err := vr.Poll(time.Second)
	r.NoError(err)
	r.NotNil(events)
	r.Empty(events)

	events, err = vr.Poll(0)
	r.NoError(err)
	r.Nil(events)
}

func TestVirtualReactorWakeupUnblocksPoll(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	go func() {
		time.Sleep(10 * time.Millisecond)
		vr.Wakeup()
	}()

	start := time.Now()
	events, err := vr.Poll(5 * time.Second)
	r.NoError(err)
	r.NotNil(events)
	r.Empty(events)
	r.Less(time.Since(start), 2*time.Second)
}

func TestVirtualReactorStatisticsAndClose(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	r.NoError(vr.Arm(h, IORead))
	r.NoError(vr.Arm(h, IOWrite))

	stats := vr.Statistics()
	r.Equal("virtual", stats.Backend)
	r.Equal(1, stats.HandlesArmed)

	vr.Disarm(h, IORead)
	vr.Disarm(h, IOWrite)
	r.Equal(0, vr.Statistics().HandlesArmed)

	r.NoError(vr.Close())
	_, err := vr.Poll(0)
	r.ErrorIs(err, ErrClosedResource)
	r.ErrorIs(vr.Arm(h, IORead), ErrClosedResource)
}

func TestReactorWaitReadable(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	_, err := Run(func(t *Task) (struct{}, error) {
		ready := make(chan struct{})
		go func() {
			<-ready
			vr.MarkReadable(h)
		}()
		close(ready)
		return struct{}{}, t.WaitReadable(h)
	}, WithReactor(vr))
	r.NoError(err)
}

func TestReactorReadersAndWritersShareHandle(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	var got []string
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("reader", func(ct *Task) error {
				if err := ct.WaitReadable(h); err != nil {
					return err
				}
				got = append(got, "read")
				return nil
			})
			n.StartSoon("writer", func(ct *Task) error {
				if err := ct.WaitWritable(h); err != nil {
					return err
				}
				got = append(got, "write")
				return nil
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			vr.MarkWritable(h)
			vr.MarkReadable(h)
			return nil
		})
	}, WithReactor(vr))
	r.NoError(err)
	r.ElementsMatch([]string{"read", "write"}, got)
}

func TestReactorSecondWaiterIsBusy(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("first", func(ct *Task) error {
				return ct.WaitReadable(h)
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			berr := t.WaitReadable(h)
			vr.MarkReadable(h)
			return berr
		})
	}, WithReactor(vr))
	r.ErrorIs(err, ErrBusyResource)
}

func TestReactorNotifyClosing(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, OpenNursery(t, func(n *Nursery) error {
			n.StartSoon("blocked", func(ct *Task) error {
				return ct.WaitReadable(h)
			})
			if err := t.WaitAllTasksBlocked(0); err != nil {
				return err
			}
			t.NotifyClosing(h)
			return nil
		})
	}, WithReactor(vr))
	r.ErrorIs(err, ErrClosedResource)
}

func TestReactorWaitCancelledCleansUp(t *testing.T) {
	r := require.New(t)

	vr := NewVirtualReactor()
	h := vr.NewHandle()
	_, err := Run(func(t *Task) (struct{}, error) {
		sc, err := MoveOnAfter(t, 20*time.Millisecond, func(*CancelScope) error {
			return t.WaitReadable(h)
		})
		if err != nil {
			return struct{}{}, err
		}
		r.True(sc.CancelledCaught())
		// The abandoned wait disarmed its registration.
		r.Equal(0, t.Statistics().IO.HandlesArmed)
		return struct{}{}, nil
	}, WithReactor(vr))
	r.NoError(err)
}

func TestReactorZeroHandlePanics(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(t *Task) (struct{}, error) {
		return struct{}{}, t.WaitReadable(0)
	})
	var pe *PanicError
	r.ErrorAs(err, &pe)
	r.Contains(pe.Value(), "zero io handle")
}

func TestIODirectionString(t *testing.T) {
	r := require.New(t)

	r.Equal("read", IORead.String())
	r.Equal("write", IOWrite.String())
}
