package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// Registry holds the core's Prometheus collectors. All methods are safe on a
// nil *Registry so components can run without metrics.
type Registry struct {
	reg *prometheus.Registry

	eventsAppended *prometheus.CounterVec
	appendFailures prometheus.Counter
	transitions    *prometheus.CounterVec
	lockdownState  prometheus.Gauge
	gateDenials    *prometheus.CounterVec
	riskScore      prometheus.Histogram
	riskConfidence prometheus.Histogram
	authAttempts   *prometheus.CounterVec
	actionOutcomes *prometheus.CounterVec
	commandsParsed *prometheus.CounterVec
}

// NewRegistry creates a registry with process and Go collectors attached
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "events_appended_total",
			Help:      "Activity events appended to the log",
		}, []string{"source", "severity"}),
		appendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "append_failures_total",
			Help:      "Appends rejected by the durable sink",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockdown",
			Name:      "transitions_total",
			Help:      "Lockdown state transitions",
		}, []string{"from", "to", "trigger"}),
		lockdownState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lockdown",
			Name:      "state",
			Help:      "Current lockdown state (0 normal, 1 elevated, 2 locked, 3 recovery)",
		}),
		gateDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockdown",
			Name:      "gate_denials_total",
			Help:      "Commands refused by the gate check",
		}, []string{"tier", "state"}),
		riskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "risk_score",
			Help:      "Distribution of risk scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		riskConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "predictor",
			Name:      "risk_confidence",
			Help:      "Distribution of assessment confidence",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Credential verification attempts by outcome",
		}, []string{"method", "outcome"}),
		actionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "action_outcomes_total",
			Help:      "Automation action outcomes",
		}, []string{"action", "outcome"}),
		commandsParsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commands_parsed_total",
			Help:      "Parsed command intents",
		}, []string{"intent"}),
	}
}

// Handler exposes the registry over HTTP
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) EventAppended(source, severity string) {
	if r == nil {
		return
	}
	r.eventsAppended.WithLabelValues(source, severity).Inc()
}

func (r *Registry) AppendFailed() {
	if r == nil {
		return
	}
	r.appendFailures.Inc()
}

// Transition records a state change and updates the state gauge
func (r *Registry) Transition(from, to, trigger string, toValue int) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to, trigger).Inc()
	r.lockdownState.Set(float64(toValue))
}

func (r *Registry) GateDenied(tier, state string) {
	if r == nil {
		return
	}
	r.gateDenials.WithLabelValues(tier, state).Inc()
}

func (r *Registry) RiskAssessed(score, confidence float64) {
	if r == nil {
		return
	}
	r.riskScore.Observe(score)
	r.riskConfidence.Observe(confidence)
}

func (r *Registry) AuthAttempt(method, outcome string) {
	if r == nil {
		return
	}
	r.authAttempts.WithLabelValues(method, outcome).Inc()
}

func (r *Registry) ActionOutcome(action, outcome string) {
	if r == nil {
		return
	}
	r.actionOutcomes.WithLabelValues(action, outcome).Inc()
}

func (r *Registry) CommandParsed(intent string) {
	if r == nil {
		return
	}
	r.commandsParsed.WithLabelValues(intent).Inc()
}
