// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceivedTotal counts authenticated packets by packet type
	PacketsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zssp_packets_received_total",
			Help: "Total number of authenticated packets received",
		},
		[]string{"type"},
	)

	// PacketsSentTotal counts packets handed to the transport by packet type
	PacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zssp_packets_sent_total",
			Help: "Total number of packets sent",
		},
		[]string{"type"},
	)

	// PacketsDroppedTotal counts dropped packets by reason
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zssp_packets_dropped_total",
			Help: "Total number of packets dropped",
		},
		[]string{"reason"},
	)

	// SessionsEstablishedTotal counts established session keys by role (alice or bob)
	SessionsEstablishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zssp_sessions_established_total",
			Help: "Total number of session keys established",
		},
		[]string{"role"},
	)

	RekeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zssp_rekeys_total",
			Help: "Total number of rekey offers sent for established sessions",
		},
	)

	FragmentsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zssp_fragments_expired_total",
			Help: "Total number of partial messages discarded by the assembly timeout",
		},
	)

	// ActiveSessions tracks sessions held by the node
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zssp_active_sessions",
			Help: "Number of sessions currently held",
		},
	)
)

// Drop reasons.
const (
	DropReplay         = "replay"
	DropHeaderCheck    = "header_check"
	DropAuth           = "auth"
	DropMalformed      = "malformed"
	DropRateLimited    = "rate_limited"
	DropRejected       = "rejected"
	DropUnknown        = "unknown_session"
	DropQueueFull      = "queue_full"
	DropNotIP          = "not_ip"
	DropNoSession      = "no_session"
	DropStaleOffer     = "stale_offer"
	DropKeyExhausted   = "key_exhausted"
	DropBufferTooSmall = "buffer_too_small"
)
