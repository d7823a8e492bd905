package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Loop result labels.
const (
	ResultScored  = "scored"
	ResultNoData  = "no_data"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Detection loop metrics
var (
	LoopIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_loop_iterations_total",
			Help: "Detection loop iterations by result",
		},
		[]string{"result"},
	)

	LoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_loop_iteration_duration_seconds",
			Help:    "Wall time of a single loop iteration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	RawAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_raw_anomalies_total",
			Help: "Samples the ensemble labelled anomalous before gating",
		},
	)

	Alerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_total",
			Help: "Iterations where the temporal gate was alerting",
		},
	)

	GateCounter = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_gate_counter",
			Help: "Consecutive qualifying anomalies seen by the gate",
		},
	)

	EnsembleScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_ensemble_score",
			Help: "Latest ensemble score",
		},
	)

	ScorerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_scorer_failures_total",
			Help: "Per-model scoring failures isolated by the ensemble",
		},
		[]string{"model"},
	)

	BufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_buffer_samples",
			Help: "Samples held per buffer",
		},
		[]string{"buffer"},
	)
)

// Retraining metrics
var (
	Retrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_retrains_total",
			Help: "Retraining attempts by status",
		},
		[]string{"status"}, // success, error
	)

	RetrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_retrain_duration_seconds",
			Help:    "Retraining duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	EvaluationMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_last_evaluation",
			Help: "Metrics from the most recent post-retrain evaluation",
		},
		[]string{"metric"}, // precision, recall, f1_score
	)

	ModelReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_model_ready",
			Help: "1 when a trained artifact is loaded",
		},
	)
)
