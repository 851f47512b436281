// Package monitoring exports the recovery metrics to Prometheus.
package monitoring

import (
	"errors"
	"net/http"
	"sync"

	"github.com/lightningnetwork/lnrecover/lncfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lnrecover"

// Metrics groups every collector of the recovery system. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	initiations     prometheus.Counter
	cancellations   prometheus.Counter
	completions     prometheus.Counter
	rotationFailure *prometheus.CounterVec
	commsOutcomes   *prometheus.CounterVec
	socialResponses *prometheus.CounterVec
	sweepTxns       *prometheus.CounterVec
	riskLevel       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		initiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_initiations_total",
			Help:      "Number of recoveries initiated.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_cancellations_total",
			Help:      "Number of recoveries canceled.",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_completions_total",
			Help:      "Number of key rotations completed.",
		}),
		rotationFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotation_step_failures_total",
				Help:      "Rotation step failures by step.",
			}, []string{"step"},
		),
		commsOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comms_verifications_total",
				Help:      "Comms verification attempts by outcome.",
			}, []string{"outcome"},
		),
		socialResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "social_responses_total",
				Help:      "Trusted contact responses by result.",
			}, []string{"result"},
		),
		sweepTxns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_transactions_total",
				Help:      "Sweep transactions by broadcast result.",
			}, []string{"result"},
		),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funds_at_risk",
			Help: "Zero when protected, otherwise the priority " +
				"of the at-risk cause.",
		}),
	}

	m.registry.MustRegister(
		m.initiations, m.cancellations, m.completions,
		m.rotationFailure, m.commsOutcomes, m.socialResponses,
		m.sweepTxns, m.riskLevel,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecoveryInitiated counts an initiated recovery.
func (m *Metrics) RecoveryInitiated() {
	if m != nil {
		m.initiations.Inc()
	}
}

// RecoveryCanceled counts a canceled recovery.
func (m *Metrics) RecoveryCanceled() {
	if m != nil {
		m.cancellations.Inc()
	}
}

// RotationCompleted counts a fully completed rotation.
func (m *Metrics) RotationCompleted() {
	if m != nil {
		m.completions.Inc()
	}
}

// RotationStepFailed counts a failed rotation step.
func (m *Metrics) RotationStepFailed(step string) {
	if m != nil {
		m.rotationFailure.WithLabelValues(step).Inc()
	}
}

// CommsOutcome counts a comms verification attempt.
func (m *Metrics) CommsOutcome(outcome string) {
	if m != nil {
		m.commsOutcomes.WithLabelValues(outcome).Inc()
	}
}

// SocialResponse counts an accepted or rejected contact response.
func (m *Metrics) SocialResponse(accepted bool) {
	if m == nil {
		return
	}

	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.socialResponses.WithLabelValues(result).Inc()
}

// SweepBroadcast counts a broadcast sweep transaction.
func (m *Metrics) SweepBroadcast(success bool) {
	if m == nil {
		return
	}

	result := "failed"
	if success {
		result = "broadcast"
	}
	m.sweepTxns.WithLabelValues(result).Inc()
}

// SetRiskLevel records the current risk level.
func (m *Metrics) SetRiskLevel(level int) {
	if m != nil {
		m.riskLevel.Set(float64(level))
	}
}

var started sync.Once

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address. Later calls are no-ops.
func ExportPrometheusMetrics(m *Metrics, cfg lncfg.Prometheus) error {
	if !cfg.Enabled() {
		return errors.New("prometheus exporter is disabled")
	}

	started.Do(func() {
		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			m.registry, promhttp.HandlerOpts{},
		))

		go func() {
			err := http.ListenAndServe(cfg.Listen, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return nil
}
