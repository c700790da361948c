package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageMessages counts how each consumed message ended.
	StageMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailshield_stage_messages_total",
			Help: "Messages handled per topic and consumer group, by outcome",
		},
		[]string{"topic", "group", "outcome"}, // outcome: acked, nacked, dead_lettered, panic
	)

	// StageHandleLatency is time spent in a stage handler (milliseconds).
	StageHandleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailshield_stage_handle_latency_ms",
			Help:    "Stage handler latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms to ~8s
		},
		[]string{"topic", "group"},
	)

	// CapabilityCalls counts external capability invocations.
	CapabilityCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailshield_capability_calls_total",
			Help: "External capability calls by outcome",
		},
		[]string{"capability", "outcome"}, // outcome: ok, transient, invalid, open_circuit
	)

	// CapabilityLatency is external call latency (milliseconds).
	CapabilityLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailshield_capability_latency_ms",
			Help:    "External capability call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"capability"},
	)

	// DegradedResults counts stage results published without a real score.
	DegradedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailshield_degraded_results_total",
			Help: "Degraded stage results by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	// Verdicts counts final verdicts.
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailshield_verdicts_total",
			Help: "Final verdicts by tier and aggregation end state",
		},
		[]string{"tier", "state"},
	)

	// OpenAggregations is the number of emails awaiting a verdict in this process.
	OpenAggregations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailshield_open_aggregations",
			Help: "Aggregation states not yet decided",
		},
	)

	// ActionOutcomes counts label application results.
	ActionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailshield_action_outcomes_total",
			Help: "Label application outcomes",
		},
		[]string{"outcome"}, // applied, already_applied, retry, failed
	)

	// CircuitState is the breaker state per capability (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailshield_circuit_state",
			Help: "Circuit breaker state per capability",
		},
		[]string{"name"},
	)

	// DBQueryDuration is database latency (seconds).
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailshield_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	// SlowQueries counts queries above the slow threshold.
	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailshield_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
	)
)

// RecordStageMessage records one handled message.
func RecordStageMessage(topic, group, outcome string, duration time.Duration) {
	StageMessages.WithLabelValues(topic, group, outcome).Inc()
	StageHandleLatency.WithLabelValues(topic, group).Observe(float64(duration.Milliseconds()))
}

// RecordCapabilityCall records one capability invocation.
func RecordCapabilityCall(capability, outcome string, duration time.Duration) {
	CapabilityCalls.WithLabelValues(capability, outcome).Inc()
	CapabilityLatency.WithLabelValues(capability).Observe(float64(duration.Milliseconds()))
}

// IncrementDegraded records a degraded stage result.
func IncrementDegraded(stage, reason string) {
	DegradedResults.WithLabelValues(stage, reason).Inc()
}

// IncrementVerdict records an emitted verdict.
func IncrementVerdict(tier, state string) {
	Verdicts.WithLabelValues(tier, state).Inc()
}

// IncrementAction records a label application outcome.
func IncrementAction(outcome string) {
	ActionOutcomes.WithLabelValues(outcome).Inc()
}

// SetCircuitState publishes a breaker state.
func SetCircuitState(name string, state int) {
	CircuitState.WithLabelValues(name).Set(float64(state))
}

// RecordDBQueryDuration records one query.
func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementSlowQuery records a slow query.
func IncrementSlowQuery() {
	SlowQueries.Inc()
}
