package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes Prometheus instrumentation for the substrate in a
// single struct of vectors, so every component receives one object from
// the composition root instead of registering global collectors.
type Metrics struct {
	EventsEmitted   *prometheus.CounterVec // kind
	EventsDelivered *prometheus.CounterVec // kind
	EventHandlerErr *prometheus.CounterVec // kind

	SessionsActive  prometheus.Gauge
	HeartbeatDrops  prometheus.Counter

	ToolCalls          *prometheus.CounterVec   // tool, outcome(result|error)
	ToolCallDuration    *prometheus.HistogramVec // tool
	ToolRegistryChanges prometheus.Counter

	ValidationDuration *prometheus.HistogramVec // cached(true|false)
	ValidationRejects   *prometheus.CounterVec   // level
	ValidationFallbacks prometheus.Counter

	DAGCyclesRejected prometheus.Counter
	DAGTasksBlocked   prometheus.Counter
	DAGTasksUnblocked prometheus.Counter

	MemoryRetrievalDuration prometheus.Histogram
	MemoryQValueUpdates     prometheus.Counter
	MemoryDegradedEvents    prometheus.Counter
	MemoryAttributionsMissed prometheus.Counter
	MemoryConsolidationRuns  prometheus.Counter

	ORPARPhaseTransitions *prometheus.CounterVec // phase
	ORPAROutOfOrder       prometheus.Counter
	ORPARCycles           prometheus.Counter

	ExternalServerRestarts *prometheus.CounterVec // server_id
}

// NewMetrics registers and returns a fresh Metrics. Panics on duplicate
// registration are avoided by using a dedicated registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_events_emitted_total",
			Help: "Events emitted on the bus, by kind.",
		}, []string{"kind"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_events_delivered_total",
			Help: "Event deliveries to subscribers, by kind.",
		}, []string{"kind"}),
		EventHandlerErr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_event_handler_errors_total",
			Help: "Subscriber handler panics/errors caught by the bus, by kind.",
		}, []string{"kind"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mxf_sessions_active",
			Help: "Currently registered agent sessions.",
		}),
		HeartbeatDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_heartbeat_drops_total",
			Help: "Sessions removed by the heartbeat sweep for silence.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_tool_calls_total",
			Help: "Dispatched tool calls, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxf_tool_call_duration_seconds",
			Help:    "Tool call latency, by tool.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ToolRegistryChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_tool_registry_changes_total",
			Help: "Debounced registry:changed emissions.",
		}),
		ValidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxf_validation_duration_seconds",
			Help:    "Validation pipeline latency, by cache outcome.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"cached"}),
		ValidationRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_validation_rejects_total",
			Help: "Validation rejections, by risk level.",
		}, []string{"level"}),
		ValidationFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_validation_ml_fallbacks_total",
			Help: "Times the ML stage fell back to heuristics.",
		}),
		DAGCyclesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_dag_cycles_rejected_total",
			Help: "Edge insertions rejected for introducing a cycle.",
		}),
		DAGTasksBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_dag_tasks_blocked_total",
			Help: "Task transitions rejected for unresolved dependencies.",
		}),
		DAGTasksUnblocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_dag_tasks_unblocked_total",
			Help: "Tasks that became ready after a dependency completed.",
		}),
		MemoryRetrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxf_memory_retrieval_duration_seconds",
			Help:    "Memory retrieval latency end to end.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		MemoryQValueUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_memory_qvalue_updates_total",
			Help: "Reward attributions applied to memory Q-values.",
		}),
		MemoryDegradedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_memory_degraded_total",
			Help: "Retrieval operations degraded to keyword-only search.",
		}),
		MemoryAttributionsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_memory_attributions_missed_total",
			Help: "Reward attributions skipped because the referenced memory was missing.",
		}),
		MemoryConsolidationRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_memory_consolidation_runs_total",
			Help: "Completed consolidation passes over episodic memory.",
		}),
		ORPARPhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_orpar_phase_transitions_total",
			Help: "Accepted ORPAR phase transitions, by phase.",
		}, []string{"phase"}),
		ORPAROutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_orpar_out_of_order_total",
			Help: "Rejected out-of-order ORPAR phase transitions.",
		}),
		ORPARCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxf_orpar_cycles_total",
			Help: "ORPAR cycles started via observe.",
		}),
		ExternalServerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxf_external_server_restarts_total",
			Help: "External tool-server restarts, by server id.",
		}, []string{"server_id"}),
	}
}
