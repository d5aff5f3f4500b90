// Package metrics holds the Prometheus series exported by the client and the
// host sampler that feeds the host gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Tunnel connection metrics.
	TunnelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunnel_client",
		Subsystem: "tunnel",
		Name:      "state",
		Help:      "Current connection state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "tunnel",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by result.",
	}, []string{"result"}) // "ok", "already_connected", "dial_failed", "auth_rejected", "unsupported"
	ForcedCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "tunnel",
		Name:      "forced_closes_total",
		Help:      "Teardowns that had to force-close the transport after the shutdown deadline.",
	})
	TunnelBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "tunnel",
		Name:      "bytes_total",
		Help:      "Bytes moved through the tunnel transport.",
	}, []string{"direction"}) // "rx" or "tx"

	// Activity reporter metrics.
	ReportSubmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "report",
		Name:      "submits_total",
		Help:      "Activity log submissions by result.",
	}, []string{"result"}) // "ok" or "error"
	ReportDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "report",
		Name:      "dropped_entries_total",
		Help:      "Activity log entries dropped without being submitted.",
	}, []string{"reason"}) // "retries_exhausted" or "shutdown"
	ReportOverflowEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnel_client",
		Subsystem: "report",
		Name:      "overflow_events_total",
		Help:      "Byte count events folded into the overflow accumulator because the queue was full.",
	})
	ReportPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnel_client",
		Subsystem: "report",
		Name:      "pending_entries",
		Help:      "Sealed activity log entries waiting for submission.",
	})

	// Host metrics.
	HostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnel_client",
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Host CPU utilisation.",
	})
	HostMemoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunnel_client",
		Subsystem: "host",
		Name:      "memory_percent",
		Help:      "Host memory utilisation.",
	})
	HostBandwidthMbps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunnel_client",
		Subsystem: "host",
		Name:      "bandwidth_mbps",
		Help:      "Host network throughput since the previous sample.",
	}, []string{"direction"}) // "up" or "down"
)

func init() {
	prometheus.MustRegister(
		TunnelState,
		ConnectAttempts,
		ForcedCloses,
		TunnelBytes,

		ReportSubmits,
		ReportDropped,
		ReportOverflowEvents,
		ReportPending,

		HostCPUPercent,
		HostMemoryPercent,
		HostBandwidthMbps,
	)
}

// SetState marks state as the active tunnel state.
func SetState(all []string, state string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		TunnelState.WithLabelValues(s).Set(v)
	}
}
