package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue sums every series of a gathered counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNewMetrics_CreatesAllMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	if m.OutcomesTotal == nil || m.DeliveryDuration == nil || m.DeliveryAttempts == nil ||
		m.RateLimitedTotal == nil || m.CompressedTotal == nil || m.BytesSaved == nil ||
		m.ThreadErrorsTotal == nil || m.InFlight == nil {
		t.Fatalf("uninitialized metric in %+v", m)
	}
}

func TestMetrics_RecordOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordOutcome("delivered")
	m.RecordOutcome("delivered")
	m.RecordOutcome("failed")

	if got := counterValue(t, reg, "shutterpost_outcomes_total"); got != 3 {
		t.Errorf("outcomes_total = %v, want 3", got)
	}
}

func TestMetrics_RecordDeliveryAndCompression(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivery(3, 1, 1.5)
	m.RecordCompression(15<<20, 5<<20)
	m.RecordCompression(100, 200) // grew: nothing saved

	if got := counterValue(t, reg, "shutterpost_delivery_attempts_total"); got != 3 {
		t.Errorf("attempts = %v, want 3", got)
	}
	if got := counterValue(t, reg, "shutterpost_rate_limited_total"); got != 1 {
		t.Errorf("rate_limited = %v, want 1", got)
	}
	if got := counterValue(t, reg, "shutterpost_compressed_total"); got != 2 {
		t.Errorf("compressed = %v, want 2", got)
	}
	if got := counterValue(t, reg, "shutterpost_compression_saved_bytes_total"); got != float64(10<<20) {
		t.Errorf("saved = %v, want %v", got, float64(10<<20))
	}
}

func TestMetrics_InFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DeliveryStarted()
	m.DeliveryStarted()
	m.DeliveryFinished()

	mfs, _ := reg.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "shutterpost_deliveries_in_flight" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 1 {
				t.Errorf("in_flight = %v, want 1", v)
			}
			return
		}
	}
	t.Error("in_flight gauge not found")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordOutcome("delivered")
	m.RecordDelivery(1, 0, 0.1)
	m.RecordCompression(2, 1)
	m.RecordThreadError("error")
	m.DeliveryStarted()
	m.DeliveryFinished()
}
