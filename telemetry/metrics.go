package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "castlink"

var (
	Registry = prometheus.NewRegistry()

	DiscoveryDatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagrams_total",
			Help:      "Discovery datagrams by opcode and direction.",
		},
		[]string{"opcode", "direction"},
	)

	DiscoveryDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "dropped_total",
			Help:      "Discovery datagrams dropped before routing.",
		},
		[]string{"reason"},
	)

	KnownPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "known_peers",
			Help:      "Peers currently held by the registry.",
		},
	)

	TransportMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Transport messages by opcode and direction.",
		},
		[]string{"opcode", "direction"},
	)

	TransportBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Transport bytes including frame headers.",
		},
		[]string{"direction"},
	)

	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Endpoint terminations by reason.",
		},
		[]string{"role", "reason"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected_total",
			Help:      "Sessions that reached the connected state, by local role.",
		},
		[]string{"role"},
	)

	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0 idle .. 5 disconnecting).",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		DiscoveryDatagramsTotal,
		DiscoveryDroppedTotal,
		KnownPeers,
		TransportMessagesTotal,
		TransportBytesTotal,
		DisconnectsTotal,
		SessionsTotal,
		SessionState,
		buildInfo,
		uptime,
	)
}

// Handler exposes /metrics for the castlink registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
