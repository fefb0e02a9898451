package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for deployments. A disabled instance
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansSubmitted *prometheus.CounterVec
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	replans        *prometheus.CounterVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	// Guardrail metrics
	validations        *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec

	// Provisioning metrics
	provisionCalls    *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec

	activeDeployments prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_submitted_total",
				Help:      "Total number of deployment intents submitted",
			},
			[]string{"environment", "status"},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of execution plans finished, by monitor status",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of execution plan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		replans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replans_total",
				Help:      "Total number of recovery plans created",
			},
			[]string{"environment"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step attempts",
			},
			[]string{"action", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"action"},
		),

		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total number of guardrail validations",
			},
			[]string{"environment", "result"},
		),
		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_duration_seconds",
				Help:      "Duration of guardrail validations in seconds",
				Buckets:   buckets,
			},
			[]string{"environment"},
		),

		provisionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_calls_total",
				Help:      "Total number of cloud provisioning API calls",
			},
			[]string{"operation", "status"},
		),
		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_call_duration_seconds",
				Help:      "Duration of cloud provisioning API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of plans executing on workers",
			},
		),
	}

	registry.MustRegister(
		m.plansSubmitted,
		m.plansCompleted,
		m.planDuration,
		m.replans,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.validations,
		m.validationDuration,
		m.provisionCalls,
		m.provisionDuration,
		m.activeDeployments,
	)

	return m, nil
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordPlanSubmitted counts a submitted intent by its resulting plan status.
func (m *Metrics) RecordPlanSubmitted(environment, status string) {
	if m.plansSubmitted == nil {
		return
	}
	m.plansSubmitted.WithLabelValues(environment, status).Inc()
}

// RecordPlanCompleted implements engine.MetricsRecorder.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordReplan implements engine.MetricsRecorder.
func (m *Metrics) RecordReplan(environment string) {
	if m.replans == nil {
		return
	}
	m.replans.WithLabelValues(environment).Inc()
}

// RecordStepExecution implements engine.MetricsRecorder.
func (m *Metrics) RecordStepExecution(action, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStepRetry implements engine.MetricsRecorder.
func (m *Metrics) RecordStepRetry(action string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(action).Inc()
}

// RecordValidation counts a guardrail validation.
func (m *Metrics) RecordValidation(environment string, valid bool, duration time.Duration) {
	if m.validations == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.validations.WithLabelValues(environment, result).Inc()
	m.validationDuration.WithLabelValues(environment).Observe(duration.Seconds())
}

// RecordProvisionCall records one cloud API call.
func (m *Metrics) RecordProvisionCall(operation, status string, duration time.Duration) {
	if m.provisionCalls == nil {
		return
	}
	m.provisionCalls.WithLabelValues(operation, status).Inc()
	m.provisionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveDeployments sets the number of plans executing on workers.
func (m *Metrics) SetActiveDeployments(count int) {
	if m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Set(float64(count))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", m.config.ListenAddress).Str("path", m.config.Path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
