package observability

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodepool/gpusched/pkg/task"
)

// Metrics exports the aggregate counters every Instance publishes
// (spec §4.G) as prometheus/client_golang gauges and counters, scraped
// by the control plane's /metrics endpoint (SPEC_FULL.md §4.G
// [DOMAIN-STACK]). It implements scheduler.MetricsSink.
type Metrics struct {
	tasksPending   *prometheus.GaugeVec
	tasksRunning   *prometheus.GaugeVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	queueState     *prometheus.GaugeVec
	gpuHeld        *prometheus.GaugeVec

	mu            sync.Mutex
	lastCompleted map[string]int
	lastFailed    map[string]int
}

// NewMetrics registers the scheduler's metric families against reg. A
// nil registry registers against prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		tasksPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpusched_tasks_pending",
			Help: "Number of tasks currently pending for a scheduler instance.",
		}, []string{"identity"}),
		tasksRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpusched_tasks_running",
			Help: "Number of tasks currently running for a scheduler instance.",
		}, []string{"identity"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpusched_tasks_completed_total",
			Help: "Total tasks completed by a scheduler instance.",
		}, []string{"identity"}),
		tasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpusched_tasks_failed_total",
			Help: "Total tasks failed by a scheduler instance.",
		}, []string{"identity"}),
		queueState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpusched_queue_state",
			Help: "Current state of a queue (0=idle,1=running,2=completed,3=failed).",
		}, []string{"identity", "queue_id"}),
		gpuHeld: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpusched_gpu_held",
			Help: "Whether a chosen GPU device is currently held in the occupancy ledger (1=held,0=free).",
		}, []string{"identity", "device"}),
		lastCompleted: make(map[string]int),
		lastFailed:    make(map[string]int),
	}
}

// Handler returns the promhttp handler the control plane mounts at
// /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

var queueStateCode = map[task.QueueState]float64{
	task.QueueIdle:      0,
	task.QueueRunning:   1,
	task.QueueCompleted: 2,
	task.QueueFailed:    3,
}

// SetQueueState implements scheduler.MetricsSink.
func (m *Metrics) SetQueueState(identity string, queueID int, state task.QueueState) {
	m.queueState.WithLabelValues(identity, strconv.Itoa(queueID)).Set(queueStateCode[state])
}

// SetTaskCounts implements scheduler.MetricsSink. completed/failed are
// cumulative snapshot totals; since prometheus Counters only go up,
// this records the delta against the last observed total per identity.
func (m *Metrics) SetTaskCounts(identity string, pending, running, completed, failed int) {
	m.tasksPending.WithLabelValues(identity).Set(float64(pending))
	m.tasksRunning.WithLabelValues(identity).Set(float64(running))

	m.mu.Lock()
	defer m.mu.Unlock()

	if delta := completed - m.lastCompleted[identity]; delta > 0 {
		m.tasksCompleted.WithLabelValues(identity).Add(float64(delta))
	}
	m.lastCompleted[identity] = completed

	if delta := failed - m.lastFailed[identity]; delta > 0 {
		m.tasksFailed.WithLabelValues(identity).Add(float64(delta))
	}
	m.lastFailed[identity] = failed
}

// SetGPUHeld implements scheduler.MetricsSink.
func (m *Metrics) SetGPUHeld(identity string, device int, held bool) {
	v := 0.0
	if held {
		v = 1.0
	}
	m.gpuHeld.WithLabelValues(identity, strconv.Itoa(device)).Set(v)
}
