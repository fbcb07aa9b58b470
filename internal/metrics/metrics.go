// Package metrics exposes relay and endpoint counters via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus collectors. Call New once per
// process and pass the result down to the components that need it.
type Metrics struct {
	Registry *prometheus.Registry

	RelayRegistrations     prometheus.Counter
	RelayReRegistrations   prometheus.Counter
	RelayEvictions         prometheus.Counter
	RelayUnknownPeerRouted *prometheus.CounterVec
	RelayMessagesForwarded prometheus.Counter
	RelayAuthFailures      prometheus.Counter
	RelaySignalingRateLimited prometheus.Counter

	PeerConnectionsEstablished prometheus.Counter
	PeerConnectionsTimedOut    prometheus.Counter
	PeerConnectionsClosed      *prometheus.CounterVec
	DataChannelsOpened         prometheus.Counter
	DataChannelsRejected       *prometheus.CounterVec

	ChunksSent           prometheus.Counter
	ChunksReceived       prometheus.Counter
	ReassemblyDropped    *prometheus.CounterVec
	ObjectsOversize      prometheus.Counter

	RPCRequestsTotal  *prometheus.CounterVec
	RPCErrorsTotal    *prometheus.CounterVec
	RPCLatencySeconds *prometheus.HistogramVec
}

// New registers a fresh collector set against a private registry. Production
// binaries expose Registry via an HTTP handler; tests can inspect the
// counters directly without needing a server.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RelayRegistrations: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_registrations_total",
			Help: "Endpoints that completed the relay registration handshake.",
		}),
		RelayReRegistrations: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_reregistrations_total",
			Help: "Registrations that evicted an existing socket for the same name.",
		}),
		RelayEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_evictions_total",
			Help: "Sockets closed because another connection registered under the same name.",
		}),
		RelayUnknownPeerRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_relay_unknown_peer_total",
			Help: "PeerConnection messages addressed to a peer UUID with no registered socket.",
		}, []string{"description_type"}),
		RelayMessagesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_messages_forwarded_total",
			Help: "PeerConnection messages forwarded to a known peer.",
		}),
		RelayAuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_auth_failures_total",
			Help: "Signaling connections rejected for missing or invalid credentials.",
		}),
		RelaySignalingRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_relay_signaling_rate_limited_total",
			Help: "Signaling messages dropped by the per-socket token bucket.",
		}),

		PeerConnectionsEstablished: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_peer_connections_established_total",
			Help: "PeerConnections that reached the connected state.",
		}),
		PeerConnectionsTimedOut: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_peer_connections_timed_out_total",
			Help: "PeerConnections closed for failing to become ready in time.",
		}),
		PeerConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_peer_connections_closed_total",
			Help: "PeerConnections closed, by reason.",
		}, []string{"reason"}),
		DataChannelsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_data_channels_opened_total",
			Help: "Data channels that reached the open state.",
		}),
		DataChannelsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_data_channels_rejected_total",
			Help: "Data channels rejected, by reason.",
		}, []string{"reason"}),

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_chunks_sent_total",
			Help: "Chunk frames written to a data channel.",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_chunks_received_total",
			Help: "Chunk frames read from a data channel.",
		}),
		ReassemblyDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_reassembly_dropped_total",
			Help: "Chunk sets dropped during reassembly, by reason.",
		}, []string{"reason"}),
		ObjectsOversize: f.NewCounter(prometheus.CounterOpts{
			Name: "p2p_objects_oversize_total",
			Help: "Set/reassembled payloads rejected for exceeding the configured object size limit.",
		}),

		RPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_rpc_requests_total",
			Help: "Endpoint RPC requests, by operation.",
		}, []string{"op"}),
		RPCErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "p2p_rpc_errors_total",
			Help: "Endpoint RPC requests that returned an error, by operation and error kind.",
		}, []string{"op", "kind"}),
		RPCLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "p2p_rpc_latency_seconds",
			Help:    "Endpoint RPC round-trip latency, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
