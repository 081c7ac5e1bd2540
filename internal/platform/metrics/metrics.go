// Package metrics holds the fleet's custom Prometheus collectors,
// registered against the default registry that platform/httpserver
// already exposes at /metrics. Grounded on the teacher's
// pkg/metrics.RegisterAnomalyMetrics — same CounterVec/GaugeVec-per-
// concern shape and registerOnce guard, generalized from the teacher's
// {route,client} mitigation ladder to this module's rate-limit,
// alerting, and anomaly-analyzer domains.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the token-bucket limiter, labeled by API surface.",
		},
		[]string{"surface"},
	)

	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Name:      "alerts_fired_total",
			Help:      "Alert events fired by the Alerter, labeled by class and severity.",
		},
		[]string{"class", "severity"},
	)

	AlertDeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Name:      "alert_delivery_failures_total",
			Help:      "Alert events that were recorded but failed Telegram delivery.",
		},
	)

	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Name:      "anomalies_detected_total",
			Help:      "Traffic/HWID/IP-count anomalies logged by the AnomalyAnalyzer, labeled by kind.",
		},
		[]string{"kind"},
	)

	XrayCollectCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetctl",
			Name:      "xray_collect_cycles_total",
			Help:      "XrayAggregator collection cycles, labeled by outcome (ok, skipped, empty).",
		},
		[]string{"outcome"},
	)

	registerOnce sync.Once
)

// Register wires every collector above into reg exactly once; safe to
// call from both cmd/node and cmd/panel even though only a subset of
// the collectors is ever incremented by a given process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(RateLimitRejections)
		reg.MustRegister(AlertsFired)
		reg.MustRegister(AlertDeliveryFailures)
		reg.MustRegister(AnomaliesDetected)
		reg.MustRegister(XrayCollectCycles)
	})
}
