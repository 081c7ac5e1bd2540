package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterWiresAllCollectorsExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg) // must be idempotent thanks to registerOnce; a second
	// registration attempt without the guard would panic on duplicate
	// collector registration.

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestRateLimitRejectionsIncrementsByLabel(t *testing.T) {
	RateLimitRejections.Reset()
	RateLimitRejections.WithLabelValues("node").Inc()
	RateLimitRejections.WithLabelValues("node").Inc()
	RateLimitRejections.WithLabelValues("panel").Inc()

	if got := testutil.ToFloat64(RateLimitRejections.WithLabelValues("node")); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
	if got := testutil.ToFloat64(RateLimitRejections.WithLabelValues("panel")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}

func TestAlertsFiredLabelsByClassAndSeverity(t *testing.T) {
	AlertsFired.Reset()
	AlertsFired.WithLabelValues("traffic_anomaly", "warning").Inc()

	if got := testutil.ToFloat64(AlertsFired.WithLabelValues("traffic_anomaly", "warning")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}

func TestAlertDeliveryFailuresIsAPlainCounter(t *testing.T) {
	before := testutil.ToFloat64(AlertDeliveryFailures)
	AlertDeliveryFailures.Inc()
	after := testutil.ToFloat64(AlertDeliveryFailures)
	if after != before+1 {
		t.Errorf("got %v, want %v", after, before+1)
	}
}

func TestXrayCollectCyclesLabelsByOutcome(t *testing.T) {
	XrayCollectCycles.Reset()
	XrayCollectCycles.WithLabelValues("ok").Inc()
	XrayCollectCycles.WithLabelValues("skipped").Inc()
	XrayCollectCycles.WithLabelValues("skipped").Inc()

	if got := testutil.ToFloat64(XrayCollectCycles.WithLabelValues("skipped")); got != 2 {
		t.Errorf("got %v, want 2", got)
	}
}
