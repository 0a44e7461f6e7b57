// Package prom exports a run's instrument hooks as Prometheus
// metrics: task lifecycle counters, a live-task gauge, and latency
// histograms for task steps and reactor polls.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webriots/creche"
)

// Instrument implements creche.Instrument on Prometheus collectors.
// Hooks run on the run loop goroutine, so the step and poll timers
// are plain fields; the collectors themselves are safe to scrape from
// anywhere.
//
// One Instrument can serve several runs, sequentially or in parallel;
// the metrics then aggregate across them.
type Instrument struct {
	creche.NullInstrument

	runsStarted  prometheus.Counter
	runsFinished prometheus.Counter
	spawned      prometheus.Counter
	exited       prometheus.Counter
	living       prometheus.Gauge
	reschedules  prometheus.Counter
	stepSeconds  prometheus.Histogram
	pollSeconds  prometheus.Histogram

	stepStart time.Time
	pollStart time.Time
}

// New registers the collectors on reg and returns the instrument.
// Registration failures (duplicate collectors) panic, as promauto
// does.
func New(reg prometheus.Registerer) *Instrument {
	f := promauto.With(reg)
	return &Instrument{
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creche",
			Name:      "runs_started_total",
			Help:      "Runs that have begun executing.",
		}),
		runsFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creche",
			Name:      "runs_finished_total",
			Help:      "Runs that have completed.",
		}),
		spawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creche",
			Name:      "tasks_spawned_total",
			Help:      "Tasks created, including system tasks.",
		}),
		exited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creche",
			Name:      "tasks_exited_total",
			Help:      "Tasks that have finished.",
		}),
		living: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "creche",
			Name:      "tasks_living",
			Help:      "Tasks currently alive.",
		}),
		reschedules: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creche",
			Name:      "task_reschedules_total",
			Help:      "Times a task was queued to run.",
		}),
		stepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "creche",
			Name:      "task_step_duration_seconds",
			Help:      "Wall time of one task resumption.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		pollSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "creche",
			Name:      "reactor_poll_duration_seconds",
			Help:      "Wall time the loop spent in one reactor poll.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 14),
		}),
	}
}

func (m *Instrument) BeforeRun() { m.runsStarted.Inc() }
func (m *Instrument) AfterRun()  { m.runsFinished.Inc() }

func (m *Instrument) TaskSpawned(*creche.Task) {
	m.spawned.Inc()
	m.living.Inc()
}

func (m *Instrument) TaskExited(*creche.Task) {
	m.exited.Inc()
	m.living.Dec()
}

func (m *Instrument) TaskScheduled(*creche.Task) { m.reschedules.Inc() }

func (m *Instrument) BeforeTaskStep(*creche.Task) { m.stepStart = time.Now() }

func (m *Instrument) AfterTaskStep(*creche.Task) {
	m.stepSeconds.Observe(time.Since(m.stepStart).Seconds())
}

func (m *Instrument) BeforeIOWait(float64) { m.pollStart = time.Now() }

func (m *Instrument) AfterIOWait(float64) {
	m.pollSeconds.Observe(time.Since(m.pollStart).Seconds())
}
