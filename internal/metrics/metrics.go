// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "axon"

// Set groups every collector the service updates. One Set exists per
// process; tests use Nop to get collectors on a throwaway registry.
type Set struct {
	registry *prometheus.Registry

	JobsEnqueued  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	QueueDepth    prometheus.Gauge

	StepsRun     *prometheus.CounterVec
	StepFailures *prometheus.CounterVec

	EventsPublished      prometheus.Counter
	EventPublishFailures prometheus.Counter
	Heartbeats           prometheus.Counter
	StreamsActive        prometheus.Gauge

	GPUSlotsBusy prometheus.Gauge
	GPUAcquires  prometheus.Counter

	SimRuns *prometheus.CounterVec

	SessionsReaped prometheus.Counter
}

// New registers all collectors on reg and returns the Set.
func New(reg *prometheus.Registry) *Set {
	f := promauto.With(reg)
	return &Set{
		registry: reg,
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_enqueued_total",
			Help: "Segmentation jobs accepted onto the queue.",
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Segmentation jobs that finished with every step complete.",
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Segmentation jobs with at least one failed step.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Current length of the segmentation job queue.",
		}),
		StepsRun: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_run_total",
			Help: "Pipeline steps started, by model.",
		}, []string{"model"}),
		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_failures_total",
			Help: "Pipeline step failures, by failure kind.",
		}, []string{"kind"}),
		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Signed events pushed to session event buffers.",
		}),
		EventPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_publish_failures_total",
			Help: "Event publishes dropped because the shared state was unavailable.",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_heartbeats_total",
			Help: "Heartbeat frames emitted on quiet event streams.",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streams_active",
			Help: "Event streams currently attached.",
		}),
		GPUSlotsBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_slots_busy",
			Help: "GPU slots currently reserved.",
		}),
		GPUAcquires: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gpu_acquires_total",
			Help: "Successful GPU slot reservations.",
		}),
		SimRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sim_runs_total",
			Help: "Simulation runs, by family and outcome.",
		}, []string{"family", "outcome"}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_reaped_total",
			Help: "Sessions removed by the retention reaper.",
		}),
	}
}

// Nop returns a Set on a private registry, for tests and optional wiring.
func Nop() *Set {
	return New(prometheus.NewRegistry())
}

// Gatherer exposes the registry for the /metrics handler.
func (s *Set) Gatherer() prometheus.Gatherer {
	return s.registry
}
