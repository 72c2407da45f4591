package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus instruments of one agent.
type Metrics struct {
	TasksStarted  prometheus.Counter
	TasksSkipped  prometheus.Counter
	TaskFailures  *prometheus.CounterVec
	Notifications prometheus.Counter
	RearmFailures prometheus.Counter
	StartedTasks  prometheus.Gauge
	State         prometheus.Gauge
}

// NewMetrics creates the agent instruments and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odin", Subsystem: "agent", Name: "tasks_started_total",
			Help: "Tasks submitted to the supervisor endpoint.",
		}),
		TasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odin", Subsystem: "agent", Name: "tasks_skipped_total",
			Help: "Task listings skipped because the task was already started.",
		}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odin", Subsystem: "agent", Name: "task_failures_total",
			Help: "Tasks left unstarted, by reason.",
		}, []string{"reason"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odin", Subsystem: "agent", Name: "watch_notifications_total",
			Help: "Task directory change notifications received.",
		}),
		RearmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odin", Subsystem: "agent", Name: "watch_rearm_failures_total",
			Help: "Failed attempts to re-arm the task directory watch.",
		}),
		StartedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "odin", Subsystem: "agent", Name: "started_tasks",
			Help: "Size of the started-task set.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "odin", Subsystem: "agent", Name: "state",
			Help: "Current loop state (0 idle, 1 bootstrapping, 2 registering, 3 watching, 4 notified, 5 stopped).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksStarted, m.TasksSkipped, m.TaskFailures,
			m.Notifications, m.RearmFailures, m.StartedTasks, m.State)
	}
	return m
}
