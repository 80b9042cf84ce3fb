package tdsconn

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ha1tch/tdscore/wire"
)

func TestNewMetricsNilRegistererIsInert(t *testing.T) {
	m := NewMetrics(nil)
	if m != nil {
		t.Fatalf("expected a nil Metrics for a nil Registerer")
	}
	// every method must be a safe no-op on a nil *Metrics.
	m.sent(wire.HeaderTypeSQLBatch)
	m.received(wire.HeaderTypeTabularResult)
	m.setInFlight(3)
	m.setState(StateLoggedIn)
}

func TestMetricsCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.sent(wire.HeaderTypeSQLBatch)
	m.sent(wire.HeaderTypeSQLBatch)
	m.received(wire.HeaderTypePrelogin)
	m.setInFlight(1)
	m.setState(StateSentInitialTDSPreLogin)

	if got := counterValue(t, m.packetsSent, wire.HeaderTypeSQLBatch.String()); got != 2 {
		t.Fatalf("packetsSent = %v, want 2", got)
	}
	if got := counterValue(t, m.packetsReceived, wire.HeaderTypePrelogin.String()); got != 1 {
		t.Fatalf("packetsReceived = %v, want 1", got)
	}
	if got := gaugeValue(t, m.requestsInFlight); got != 1 {
		t.Fatalf("requestsInFlight = %v, want 1", got)
	}
	if got := gaugeValue(t, m.connectionState); got != float64(StateSentInitialTDSPreLogin) {
		t.Fatalf("connectionState = %v, want %v", got, StateSentInitialTDSPreLogin)
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}
