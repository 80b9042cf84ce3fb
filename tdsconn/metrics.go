package tdsconn

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ha1tch/tdscore/wire"
)

// Metrics holds the dispatcher's prometheus instrumentation,
// mirroring the counters/gauges
// joaobrasildev/poc-connection-pooling-for-some-rds registers for its
// connection pool via github.com/prometheus/client_golang. A nil
// *Metrics (the zero value returned by NewMetrics(nil)) makes every
// method a no-op, so a caller who doesn't want metrics pays nothing
// for them.
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	requestsInFlight prometheus.Gauge
	connectionState  prometheus.Gauge
}

// NewMetrics registers the dispatcher's collectors against reg. If
// reg is nil, the returned Metrics is inert.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tds_packets_sent_total",
			Help: "TDS packets written to the transport, by header type.",
		}, []string{"header_type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tds_packets_received_total",
			Help: "TDS packets read from the transport, by header type.",
		}, []string{"header_type"}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tds_requests_in_flight",
			Help: "Number of requests with Start invoked but not yet completed (0 or 1 by the one-in-flight invariant).",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tds_connection_state",
			Help: "Current ConnState ordinal.",
		}),
	}
	reg.MustRegister(m.packetsSent, m.packetsReceived, m.requestsInFlight, m.connectionState)
	return m
}

func (m *Metrics) sent(t wire.HeaderType) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) received(t wire.HeaderType) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.requestsInFlight.Set(float64(n))
}

func (m *Metrics) setState(s ConnState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}
