// Package metrics wraps the Prometheus collectors exposed on the ops
// server's /metrics endpoint. Components receive a *Registry and call its
// recording helpers; a nil registry is a no-op so unit tests don't need one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all pipeline collectors.
type Registry struct {
	framesTotal    *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	restRequests   *prometheus.CounterVec
	detections     prometheus.Counter
	historyDropped prometheus.Counter
	historyFlushes prometheus.Counter
	schemaMismatch prometheus.Counter
	inferenceSkips prometheus.Counter
	trainingRuns   *prometheus.CounterVec
	driftAlerts    prometheus.Counter
	volumeRegress  prometheus.Counter
	loopRestarts   *prometheus.CounterVec

	streamState  prometheus.Gauge
	circuitState prometheus.Gauge
	activeSubs   prometheus.Gauge
	modelVersion prometheus.Gauge
}

// NewRegistry creates and registers all collectors on the default registerer.
func NewRegistry() *Registry {
	return &Registry{
		framesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "surge_stream_frames_total",
			Help: "Stream frames received, by frame type",
		}, []string{"type"}),
		framesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "surge_stream_frames_dropped_total",
			Help: "Stream frames dropped under backpressure, by frame type",
		}, []string{"type"}),
		restRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "surge_rest_requests_total",
			Help: "Broker REST requests, by outcome",
		}, []string{"outcome"}),
		detections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_detections_total",
			Help: "Presurge detection events emitted",
		}),
		historyDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_history_dropped_total",
			Help: "History records dropped on logger queue overflow",
		}),
		historyFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_history_flushes_total",
			Help: "History batch flushes completed",
		}),
		schemaMismatch: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_schema_mismatch_total",
			Help: "Inference ticks skipped on artifact/pipeline schema mismatch",
		}),
		inferenceSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_inference_skips_total",
			Help: "Tickers skipped because the cycle soft deadline was exceeded",
		}),
		trainingRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "surge_training_runs_total",
			Help: "Training runs, by result",
		}, []string{"result"}),
		driftAlerts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_drift_alerts_total",
			Help: "Model drift alerts raised",
		}),
		volumeRegress: promauto.NewCounter(prometheus.CounterOpts{
			Name: "surge_cum_volume_regressions_total",
			Help: "Snapshots ignored for violating cumulative-volume monotonicity",
		}),
		loopRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "surge_loop_restarts_total",
			Help: "Supervised loop restarts after panic, by loop",
		}, []string{"loop"}),
		streamState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "surge_stream_state",
			Help: "Stream session state (0 disconnected, 1 connecting, 2 ready, 3 degraded)",
		}),
		circuitState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "surge_circuit_state",
			Help: "Stream circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
		activeSubs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "surge_active_subscriptions",
			Help: "Acknowledged stream subscription slots in use",
		}),
		modelVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "surge_model_version",
			Help: "Version of the active model artifact",
		}),
	}
}

// Handler returns the HTTP handler exposing the collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

func (r *Registry) IncFrame(frameType string) {
	if r != nil {
		r.framesTotal.WithLabelValues(frameType).Inc()
	}
}

func (r *Registry) IncFrameDropped(frameType string) {
	if r != nil {
		r.framesDropped.WithLabelValues(frameType).Inc()
	}
}

func (r *Registry) IncRESTRequest(outcome string) {
	if r != nil {
		r.restRequests.WithLabelValues(outcome).Inc()
	}
}

func (r *Registry) IncDetection() {
	if r != nil {
		r.detections.Inc()
	}
}

func (r *Registry) IncHistoryDropped() {
	if r != nil {
		r.historyDropped.Inc()
	}
}

func (r *Registry) IncHistoryFlush() {
	if r != nil {
		r.historyFlushes.Inc()
	}
}

func (r *Registry) IncSchemaMismatch() {
	if r != nil {
		r.schemaMismatch.Inc()
	}
}

func (r *Registry) IncInferenceSkip() {
	if r != nil {
		r.inferenceSkips.Inc()
	}
}

func (r *Registry) IncTrainingRun(result string) {
	if r != nil {
		r.trainingRuns.WithLabelValues(result).Inc()
	}
}

func (r *Registry) IncDriftAlert() {
	if r != nil {
		r.driftAlerts.Inc()
	}
}

func (r *Registry) IncVolumeRegression() {
	if r != nil {
		r.volumeRegress.Inc()
	}
}

func (r *Registry) IncLoopRestart(loop string) {
	if r != nil {
		r.loopRestarts.WithLabelValues(loop).Inc()
	}
}

func (r *Registry) SetStreamState(state int) {
	if r != nil {
		r.streamState.Set(float64(state))
	}
}

func (r *Registry) SetCircuitState(state int) {
	if r != nil {
		r.circuitState.Set(float64(state))
	}
}

func (r *Registry) SetActiveSubscriptions(n int) {
	if r != nil {
		r.activeSubs.Set(float64(n))
	}
}

func (r *Registry) SetModelVersion(v int) {
	if r != nil {
		r.modelVersion.Set(float64(v))
	}
}
