package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServersRegistered tracks the number of registered server nodes per region
	ServersRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncore_servers_registered",
			Help: "Number of VPN server nodes currently registered in the fleet",
		},
		[]string{"region"},
	)

	// ServerLoadRatio tracks the connection-count load ratio of each server node
	ServerLoadRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncore_server_load_ratio",
			Help: "Current connections divided by maximum capacity per server node",
		},
		[]string{"server"},
	)

	// ServerThroughputBytes tracks the aggregated throughput per server node
	ServerThroughputBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncore_server_throughput_bytes_per_second",
			Help: "Aggregated throughput across connected sessions per server node",
		},
		[]string{"server"},
	)

	// HealthTransitionsTotal tracks health state machine transitions per server node
	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_health_transitions_total",
			Help: "Total number of health state transitions per server node",
		},
		[]string{"server", "from", "to"},
	)

	// SessionsActive tracks the number of non-terminal sessions per server node
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncore_sessions_active",
			Help: "Number of active VPN sessions per server node",
		},
		[]string{"server"},
	)

	// SessionsEndedTotal tracks finished sessions by their terminal reason
	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_sessions_ended_total",
			Help: "Total number of ended VPN sessions by terminal reason",
		},
		[]string{"server", "reason"},
	)

	// SelectionsTotal tracks load balancer selection outcomes
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_selections_total",
			Help: "Total number of server selection attempts by outcome",
		},
		[]string{"result"},
	)

	// ReservationConflictsTotal tracks capacity reservations lost to a concurrent caller
	ReservationConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_reservation_conflicts_total",
			Help: "Total number of capacity reservations that raced and lost the last free slot",
		},
		[]string{"server"},
	)

	// BytesTransferredTotal tracks cumulative session traffic by direction
	BytesTransferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_bytes_transferred_total",
			Help: "Total bytes reported by session activity samples, by direction",
		},
		[]string{"direction"},
	)
)

// Selection outcomes recorded by RecordSelection.
const (
	SelectionOK          = "ok"
	SelectionFallback    = "region_fallback"
	SelectionUnavailable = "unavailable"
)

// SetServersRegistered sets the registered node count for a region
func SetServersRegistered(region string, count float64) {
	ServersRegistered.WithLabelValues(region).Set(count)
}

// SetServerLoadRatio sets the load ratio gauge for a server node
func SetServerLoadRatio(server string, ratio float64) {
	ServerLoadRatio.WithLabelValues(server).Set(ratio)
}

// SetServerThroughput sets the throughput gauge for a server node
func SetServerThroughput(server string, bytesPerSecond float64) {
	ServerThroughputBytes.WithLabelValues(server).Set(bytesPerSecond)
}

// RecordHealthTransition increments the health transition counter for a server node
func RecordHealthTransition(server, from, to string) {
	if from != to {
		HealthTransitionsTotal.WithLabelValues(server, from, to).Inc()
	}
}

// RecordSessionStarted increments the active session gauge for a server node
func RecordSessionStarted(server string) {
	SessionsActive.WithLabelValues(server).Inc()
}

// RecordSessionEnded decrements the active session gauge and counts the terminal reason
func RecordSessionEnded(server, reason string) {
	SessionsActive.WithLabelValues(server).Dec()
	SessionsEndedTotal.WithLabelValues(server, reason).Inc()
}

// RecordSelection increments the selection outcome counter
func RecordSelection(result string) {
	SelectionsTotal.WithLabelValues(result).Inc()
}

// RecordReservationConflict increments the reservation conflict counter for a server node
func RecordReservationConflict(server string) {
	ReservationConflictsTotal.WithLabelValues(server).Inc()
}

// AddBytesTransferred adds reported traffic to the byte counters
func AddBytesTransferred(bytesIn, bytesOut uint64) {
	if bytesIn > 0 {
		BytesTransferredTotal.WithLabelValues("in").Add(float64(bytesIn))
	}
	if bytesOut > 0 {
		BytesTransferredTotal.WithLabelValues("out").Add(float64(bytesOut))
	}
}
