package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "mentor_"

// Metrics records registry activity. A nil *Metrics records nothing.
type Metrics struct {
	started    prometheus.Counter
	finished   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	active     prometheus.Gauge
	duration   prometheus.Histogram
	resumed    prometheus.Counter
	resumeSkip prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "runs_started_total",
			Help: "Number of training processes spawned",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "runs_finished_total",
			Help: "Number of training runs that reached a terminal status",
		}, []string{"status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "start_rejections_total",
			Help: "Number of start requests rejected before a process was spawned",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "runs_active",
			Help: "Number of training processes currently alive",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricsPrefix + "run_duration_seconds",
			Help:    "Wall time of training processes from spawn to exit",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "resume_started_total",
			Help: "Number of unfinished runs restarted by the resume scan",
		}),
		resumeSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "resume_skipped_total",
			Help: "Number of unfinished runs the resume scan could not restart",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.finished, m.rejected, m.active, m.duration, m.resumed, m.resumeSkip)
	}
	return m
}

func (m *Metrics) recordStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *Metrics) recordFinished(status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.finished.WithLabelValues(string(status)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) recordRejected(err error) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(rejectReason(err)).Inc()
}

func (m *Metrics) recordResume(started bool) {
	if m == nil {
		return
	}
	if started {
		m.resumed.Inc()
		return
	}
	m.resumeSkip.Inc()
}
