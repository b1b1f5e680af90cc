// Package metrics holds the service's private Prometheus registry. All
// methods are safe on a nil *Registry so components can run without one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry             *prometheus.Registry
	fundingIntentsTotal  *prometheus.CounterVec
	phaseTransitions     *prometheus.CounterVec
	retryAttemptsTotal   *prometheus.CounterVec
	pollCyclesTotal      *prometheus.CounterVec
	disbursementTriggers *prometheus.CounterVec
	dlqDepth             prometheus.Gauge
}

func New() *Registry {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_funding_intents_total",
		Help: "Funding intent submissions by outcome",
	}, []string{"status"})

	phases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_confirmation_phase_transitions_total",
		Help: "Payment confirmation phase transitions",
	}, []string{"phase"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_retry_attempts_total",
		Help: "Backend calls retried after a retryable failure",
	}, []string{"operation"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_poll_cycles_total",
		Help: "Status poll cycles by result",
	}, []string{"resource", "result"})

	triggers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_disbursement_triggers_total",
		Help: "Automatic disbursement triggers by outcome",
	}, []string{"status"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remit_dlq_depth",
		Help: "Number of failed disbursement triggers awaiting manual resolution",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, phases, retries, polls, triggers, dlq)

	return &Registry{
		registry:             r,
		fundingIntentsTotal:  intents,
		phaseTransitions:     phases,
		retryAttemptsTotal:   retries,
		pollCyclesTotal:      polls,
		disbursementTriggers: triggers,
		dlqDepth:             dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncFundingIntent(status string) {
	if m != nil {
		m.fundingIntentsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Registry) IncPhase(phase string) {
	if m != nil {
		m.phaseTransitions.WithLabelValues(phase).Inc()
	}
}

func (m *Registry) IncRetry(operation string) {
	if m != nil {
		m.retryAttemptsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Registry) IncPoll(resource, result string) {
	if m != nil {
		m.pollCyclesTotal.WithLabelValues(resource, result).Inc()
	}
}

func (m *Registry) IncTrigger(status string) {
	if m != nil {
		m.disbursementTriggers.WithLabelValues(status).Inc()
	}
}

func (m *Registry) SetDLQDepth(depth int) {
	if m != nil {
		m.dlqDepth.Set(float64(depth))
	}
}
