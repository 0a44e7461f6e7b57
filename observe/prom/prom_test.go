package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/webriots/creche"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInstrumentObservesRun(t *testing.T) {
	r := require.New(t)

	reg := prometheus.NewRegistry()
	ins := New(reg)

	v, err := creche.Run(func(task *creche.Task) (int, error) {
		return 3, creche.OpenNursery(task, func(n *creche.Nursery) error {
			n.StartSoon("worker", func(*creche.Task) error { return nil })
			return nil
		})
	}, creche.WithInstruments(ins))
	r.NoError(err)
	r.Equal(3, v)

	r.Equal(1.0, testutil.ToFloat64(ins.runsStarted))
	r.Equal(1.0, testutil.ToFloat64(ins.runsFinished))
	// init, mailbox, main, and the worker.
	r.Equal(4.0, testutil.ToFloat64(ins.spawned))
	r.Equal(4.0, testutil.ToFloat64(ins.exited))
	r.Zero(testutil.ToFloat64(ins.living))
	r.GreaterOrEqual(testutil.ToFloat64(ins.reschedules), 4.0)

	families, err := reg.Gather()
	r.NoError(err)
	r.Len(families, 8)

	var stepSamples uint64
	for _, mf := range families {
		if mf.GetName() == "creche_task_step_duration_seconds" {
			stepSamples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	r.Positive(stepSamples)
}

func TestInstrumentAggregatesAcrossRuns(t *testing.T) {
	r := require.New(t)

	reg := prometheus.NewRegistry()
	ins := New(reg)

	for i := 0; i < 2; i++ {
		_, err := creche.Run(func(task *creche.Task) (struct{}, error) {
			return struct{}{}, nil
		}, creche.WithInstruments(ins))
		r.NoError(err)
	}

	r.Equal(2.0, testutil.ToFloat64(ins.runsStarted))
	r.Equal(2.0, testutil.ToFloat64(ins.runsFinished))
	r.Zero(testutil.ToFloat64(ins.living))
}

func TestNewDuplicateRegistrationPanics(t *testing.T) {
	r := require.New(t)

	reg := prometheus.NewRegistry()
	New(reg)
	r.Panics(func() { New(reg) })
}
