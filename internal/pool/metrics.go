package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics is the point-in-time aggregate returned by GetMetrics.
type PoolMetrics struct {
	TotalWorkers    int            `json:"total_workers"`
	ActiveWorkers   int            `json:"active_workers"`
	IdleWorkers     int            `json:"idle_workers"`
	ErrorWorkers    int            `json:"error_workers"`
	CrashedWorkers  int            `json:"crashed_workers"`
	QueueDepth      int            `json:"queue_depth"`
	QueueDepths     map[string]int `json:"queue_depths"`
	TasksCompleted  uint64         `json:"tasks_completed"`
	TasksFailed     uint64         `json:"tasks_failed"`
	AvgTaskDuration time.Duration  `json:"avg_task_duration_ms"`
	AvgQueueWait    time.Duration  `json:"avg_queue_wait_ms"`
	Utilization     float64        `json:"utilization"`
}

// collectors groups the prometheus instruments exported at /metrics.
type collectors struct {
	registry *prometheus.Registry

	workers      *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	utilization  prometheus.Gauge
	completed    prometheus.Counter
	failed       prometheus.Counter
	scaleOps     *prometheus.CounterVec
	taskDuration prometheus.Histogram
	queueWait    prometheus.Histogram
}

func newCollectors() *collectors {
	c := &collectors{
		registry: prometheus.NewRegistry(),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_pool_workers",
			Help: "Worker count by lifecycle state.",
		}, []string{"state"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_pool_queue_depth",
			Help: "Queued tasks by priority lane.",
		}, []string{"lane"}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forge_pool_utilization",
			Help: "Active workers over total workers.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_pool_tasks_completed_total",
			Help: "Tasks finished successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_pool_tasks_failed_total",
			Help: "Tasks that reached terminal failure.",
		}),
		scaleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_pool_scale_operations_total",
			Help: "Scale operations by direction.",
		}, []string{"direction"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_pool_task_duration_seconds",
			Help:    "Execution time of completed tasks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_pool_queue_wait_seconds",
			Help:    "Time tasks spent queued before dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	c.registry.MustRegister(
		c.workers, c.queueDepth, c.utilization,
		c.completed, c.failed, c.scaleOps,
		c.taskDuration, c.queueWait,
	)
	return c
}

// Registry exposes the pool's prometheus registry for the /metrics handler.
func (c *collectors) Registry() *prometheus.Registry {
	return c.registry
}

// setGauges refreshes the state gauges from a metrics snapshot.
func (c *collectors) setGauges(m PoolMetrics) {
	c.workers.WithLabelValues("idle").Set(float64(m.IdleWorkers))
	c.workers.WithLabelValues("busy").Set(float64(m.ActiveWorkers))
	c.workers.WithLabelValues("error").Set(float64(m.ErrorWorkers))
	c.workers.WithLabelValues("crashed").Set(float64(m.CrashedWorkers))
	for lane, depth := range m.QueueDepths {
		c.queueDepth.WithLabelValues(lane).Set(float64(depth))
	}
	c.utilization.Set(m.Utilization)
}
