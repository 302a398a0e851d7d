// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "servicequeue"

// metrics holds the Prometheus collectors of the manager. Collectors are
// always updated; they are only exported when a registerer is configured
// via SetMetricsRegisterer.
type metrics struct {
	submitted prometheus.Counter
	rejected  *prometheus.CounterVec
	completed prometheus.Counter
	failed    prometheus.Counter
	retried   prometheus.Counter
	reaped    prometheus.Counter
	purged    prometheus.Counter
	loadLevel prometheus.Gauge
	pending   prometheus.GaugeFunc
	active    prometheus.GaugeFunc
}

func newMetrics(st Store) *metrics {
	return &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_submitted_total",
			Help:      "Number of admitted service requests.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Number of rejected submissions by reason.",
		}, []string{"reason"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_completed_total",
			Help:      "Number of requests that reached 100% progress.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_failed_total",
			Help:      "Number of requests that failed permanently.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_retried_total",
			Help:      "Number of recoverable failures that led to a restart.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_reaped_total",
			Help:      "Number of stuck requests force-failed by the reaper.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_purged_total",
			Help:      "Number of terminal requests deleted by the retention purge.",
		}),
		loadLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "load_level",
			Help:      "Current load level (0 low, 1 medium, 2 high).",
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_pending",
			Help:      "Number of requests waiting in the queue.",
		}, func() float64 {
			n, err := st.CountByStatus(Pending, "")
			if err != nil {
				return -1
			}
			return float64(n)
		}),
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_active",
			Help:      "Number of requests currently being advanced.",
		}, func() float64 {
			n, err := st.CountByStatus(Active, "")
			if err != nil {
				return -1
			}
			return float64(n)
		}),
	}
}

func (x *metrics) observeLoadLevel(level LoadLevel) {
	switch level {
	case LoadLow:
		x.loadLevel.Set(0)
	case LoadMedium:
		x.loadLevel.Set(1)
	case LoadHigh:
		x.loadLevel.Set(2)
	}
}

func (x *metrics) register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		x.submitted,
		x.rejected,
		x.completed,
		x.failed,
		x.retried,
		x.reaped,
		x.purged,
		x.loadLevel,
		x.pending,
		x.active,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
