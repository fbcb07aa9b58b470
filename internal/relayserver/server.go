// Package relayserver implements the WebSocket broker that endpoints
// register with and exchange PeerConnection signaling messages through.
package relayserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshobj/p2p/internal/auth"
	"github.com/meshobj/p2p/internal/config"
	"github.com/meshobj/p2p/internal/message"
	"github.com/meshobj/p2p/internal/metrics"
	"github.com/meshobj/p2p/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Server accepts WebSocket connections, enforces registration, and forwards
// PeerConnection messages between registered endpoints.
type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	mu      sync.Mutex
	clients map[uuid.UUID]*client
	closed  bool
}

type client struct {
	uuid uuid.UUID
	name string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeMessage(m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func NewServer(cfg config.Config, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		metrics:  m,
		log:      log,
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*client),
	}, nil
}

// ActiveClients returns the current number of registered clients. Intended
// for the periodic logger and tests; callers should not rely on it for
// synchronization.
func (s *Server) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RunPeriodicLogger logs the connected client count every
// cfg.PeriodicLogInterval until ctx is cancelled.
func (s *Server) RunPeriodicLogger(ctx context.Context) {
	interval := s.cfg.PeriodicLogInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Info("connected clients", "count", s.ActiveClients())
		}
	}
}

// Close evicts every registered client and rejects subsequent upgrades.
// Intended for graceful process shutdown, run before the HTTP server itself
// stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[uuid.UUID]*client)
	s.mu.Unlock()

	for _, c := range clients {
		writeClose(c.conn, websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.Close()
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	if err != nil {
		s.metrics.RelayAuthFailures.Inc()
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(cred); err != nil {
		s.metrics.RelayAuthFailures.Inc()
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RegistrationTimeout))

	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond))

	var c *client
	for c == nil {
		if !limiter.Allow(1) {
			s.metrics.RelaySignalingRateLimited.Inc()
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			return
		}

		msg, err := message.Decode(raw)
		if err != nil {
			s.log.Warn("discarding undecodable message from unregistered socket", "err", err)
			continue
		}

		if msg.Type != message.TypeServerRegistration || msg.ServerRegistration == nil {
			s.log.Info("returning server error to unregistered client", "type", msg.Type)
			_ = writeWireMessage(conn, message.Message{
				Type: message.TypeServerResponse,
				ServerResponse: &message.ServerResponse{
					Success: false,
					Message: "client has not registered yet",
					Error:   true,
				},
			})
			continue
		}

		c = &client{uuid: msg.ServerRegistration.UUID, name: msg.ServerRegistration.Name, conn: conn}
	}
	_ = conn.SetReadDeadline(time.Time{})

	reregistered := s.register(c)
	defer s.unregister(c)

	s.metrics.RelayRegistrations.Inc()
	if reregistered {
		s.metrics.RelayReRegistrations.Inc()
	}

	if err := c.writeMessage(message.Message{
		Type:           message.TypeServerResponse,
		ServerResponse: &message.ServerResponse{Success: true, Message: "registered"},
	}); err != nil {
		return
	}

	for {
		if !limiter.Allow(1) {
			s.metrics.RelaySignalingRateLimited.Inc()
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			return
		}

		msg, err := message.Decode(raw)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		switch msg.Type {
		case message.TypePeerConnection:
			s.forward(c, msg.PeerConnection)
		default:
			s.log.Warn("unexpected message type from registered client", "uuid", c.uuid, "type", msg.Type)
		}
	}
}

// register installs c under its UUID, evicting any prior connection
// registered under the same UUID. It reports whether an eviction occurred.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	prev, evicted := s.clients[c.uuid]
	s.clients[c.uuid] = c
	s.mu.Unlock()

	if evicted {
		writeClose(prev.conn, websocket.CloseGoingAway, "replaced by new registration")
		_ = prev.conn.Close()
		s.metrics.RelayEvictions.Inc()
	}
	return evicted
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if current, ok := s.clients[c.uuid]; ok && current == c {
		delete(s.clients, c.uuid)
	}
	s.mu.Unlock()
}

func (s *Server) forward(sender *client, pc *message.PeerConnection) {
	if pc == nil {
		return
	}

	s.mu.Lock()
	peer, ok := s.clients[pc.PeerUUID]
	s.mu.Unlock()

	if !ok {
		s.metrics.RelayUnknownPeerRouted.WithLabelValues(string(pc.DescriptionType)).Inc()
		_ = sender.writeMessage(message.Message{
			Type: message.TypePeerConnection,
			PeerConnection: &message.PeerConnection{
				SourceUUID:      pc.PeerUUID,
				PeerUUID:        sender.uuid,
				DescriptionType: pc.DescriptionType,
				Error:           "peer not connected",
			},
		})
		return
	}

	if err := peer.writeMessage(message.Message{Type: message.TypePeerConnection, PeerConnection: pc}); err != nil {
		s.log.Warn("failed to forward peer_connection message", "from", sender.uuid, "to", peer.uuid, "err", err)
		return
	}
	s.metrics.RelayMessagesForwarded.Inc()
}

// writeWireMessage sends m on conn directly, used before a client record
// exists (and so before client.writeMessage's write-mutex is available).
func writeWireMessage(conn *websocket.Conn, m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("relayserver: message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
