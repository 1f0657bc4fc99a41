package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectorCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eg4_collector_cycles_total",
		Help: "Collector cycles by portal and result",
	}, []string{"portal", "result"})

	PortalConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eg4_portal_connected",
		Help: "1 when the last cycle against the portal succeeded",
	}, []string{"portal"})

	ExtractDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eg4_extract_duration_seconds",
		Help:    "Time spent extracting a reading from a portal",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"portal"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eg4_alerts_total",
		Help: "Events emitted by kind",
	}, []string{"kind"})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eg4_notify_failures_total",
		Help: "Email notifications that could not be sent",
	})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eg4_store_errors_total",
		Help: "Failed writes to the database",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eg4_ws_clients",
		Help: "Connected websocket clients",
	})
)

// SetConnected mirrors a portal's connected flag.
func SetConnected(portal string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	PortalConnected.WithLabelValues(portal).Set(v)
}
