// Package prom exposes grant dispatcher activity as Prometheus metrics.
package prom

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
)

const namespace = "credits"

// Recorder implements dispatcher.Recorder.
type Recorder struct {
	runs        prometheus.Counter
	grants      *prometheus.CounterVec
	credits     prometheus.Counter
	failures    *prometheus.CounterVec
	runDuration prometheus.Histogram
	stillDue    prometheus.Gauge
	lastRun     prometheus.Gauge
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the recorder registered with the global registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// NewRecorder registers the grant collectors with reg. Pass a fresh registry
// in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "runs_total",
			Help:      "Number of completed grant dispatcher runs.",
		}),
		grants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "grants_total",
			Help:      "Grants processed, by outcome (applied or duplicate).",
		}, []string{"outcome"}),
		credits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "credits_granted_total",
			Help:      "Credits committed to user balances by the dispatcher.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "schedule_failures_total",
			Help:      "Subscriptions whose processing stopped with an error, by kind.",
		}, []string{"kind"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one dispatcher run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		stillDue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "schedules_still_due",
			Help:      "Subscriptions left due by the last run (catch-up cap or failure).",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run started.",
		}),
	}
}

func (r *Recorder) RecordRun(_ context.Context, res *dispatcher.BatchResult) {
	if r == nil || res == nil {
		return
	}
	r.runs.Inc()
	r.grants.WithLabelValues("applied").Add(float64(res.TotalGrants))
	r.grants.WithLabelValues("duplicate").Add(float64(res.TotalDuplicates))
	r.credits.Add(float64(res.TotalCredits))
	for kind, n := range res.FailuresByKind() {
		r.failures.WithLabelValues(string(kind)).Add(float64(n))
	}
	r.runDuration.Observe(res.Duration.Seconds())
	r.stillDue.Set(float64(res.StillDue))
	r.lastRun.Set(float64(res.StartedAt.Unix()))
}
