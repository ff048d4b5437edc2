package monitoring

import (
	"errors"
	"strconv"
	"time"

	"simulcastctl/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionStates = []domain.SessionState{
	domain.StateIdle,
	domain.StateProvisioned,
	domain.StateStreaming,
	domain.StateReconfiguring,
	domain.StateTornDown,
}

// PrometheusCollector implements ports.SessionMetrics.
type PrometheusCollector struct {
	sessionState *prometheus.GaugeVec
	activeLayers prometheus.Gauge
	relayPolicy  *prometheus.GaugeVec

	packetsDelivered *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec

	commandsTotal     *prometheus.CounterVec
	setupDuration     prometheus.Histogram
	teardownFailures  prometheus.Counter
	unreleasedEngines prometheus.Gauge
}

// NewPrometheusCollector registers the session metrics on reg. A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simulcastctl_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),

		activeLayers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simulcastctl_active_layers",
			Help: "Number of stream identifiers currently issued",
		}),

		relayPolicy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simulcastctl_relay_active_ssrc",
			Help: "Active identifier under relay-one (0 when relaying all streams)",
		}, []string{"mode"}),

		packetsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simulcastctl_packets_delivered_total",
			Help: "Inbound packets routed to a receiving pipeline",
		}, []string{"ssrc"}),

		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simulcastctl_packets_dropped_total",
			Help: "Inbound packets dropped by the relay policy",
		}, []string{"ssrc"}),

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simulcastctl_commands_total",
			Help: "Operator commands processed",
		}, []string{"command", "result"}),

		setupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulcastctl_setup_duration_seconds",
			Help:    "Duration of session provisioning",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		teardownFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "simulcastctl_teardown_failures_total",
			Help: "Teardown steps that failed",
		}),

		unreleasedEngines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "simulcastctl_unreleased_interfaces",
			Help: "Engine interfaces still referenced after the last teardown",
		}),
	}
}

func (p *PrometheusCollector) ObservePacket(id domain.StreamIdentifier, delivered bool) {
	label := strconv.FormatUint(uint64(id), 10)
	if delivered {
		p.packetsDelivered.WithLabelValues(label).Inc()
		return
	}
	p.packetsDropped.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) ObserveState(state domain.SessionState) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.sessionState.WithLabelValues(s.String()).Set(v)
	}
}

func (p *PrometheusCollector) SetActiveLayers(k int) {
	p.activeLayers.Set(float64(k))
}

func (p *PrometheusCollector) SetRelayPolicy(policy domain.RelayPolicy) {
	p.relayPolicy.Reset()
	id, _ := policy.Active()
	p.relayPolicy.WithLabelValues(policy.Mode().String()).Set(float64(id))
}

func (p *PrometheusCollector) RecordCommand(kind string, err error) {
	result := "ok"
	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		result = "error"
	}
	p.commandsTotal.WithLabelValues(kind, result).Inc()
}

func (p *PrometheusCollector) RecordSetupDuration(d time.Duration) {
	p.setupDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordTeardown(failures, remainingInterfaces int) {
	p.teardownFailures.Add(float64(failures))
	p.unreleasedEngines.Set(float64(remainingInterfaces))
}
