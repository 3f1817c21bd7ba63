package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every daemon metric.
const namespace = "campman"

type metrics struct {
	ticks      prometheus.Counter
	enqueued   prometheus.Counter
	claimed    prometheus.Counter
	promotions prometheus.Counter
	openTasks  prometheus.Gauge
	processed  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_ticks_total",
			Help:      "Scheduler ticks executed.",
		}),
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks written to the queue.",
		}),
		claimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed by workers.",
		}),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_promoted_total",
			Help:      "Campaigns promoted to accepted.",
		}),
		openTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tasks",
			Help:      "Open tasks observed at the last tick.",
		}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Node transition attempts by result.",
		}, []string{"result"}),
	}
}
