package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/meshobj/p2p/internal/chunk"
	"github.com/meshobj/p2p/internal/message"
	"github.com/meshobj/p2p/internal/metrics"
)

// Signaler is the subset of internal/relayclient's Client used by Manager to
// exchange control messages with the relay. It is an interface so Manager can
// be tested without a live relay connection.
type Signaler interface {
	Send(m message.Message) error
	Recv(ctx context.Context) (message.Message, error)
}

// ManagerOptions bounds the behavior of every PeerConnection the Manager
// creates.
type ManagerOptions struct {
	DataChannelsPerPeer int
	ChunkSizeBytes      int
	MaxRecvQueueItems   int
	PeerReadyTimeout    time.Duration
	ICEServers          []webrtc.ICEServer
}

// Manager owns every PeerConnection this endpoint maintains, keyed by peer
// UUID (the pair is implicitly {self, peer} since a Manager belongs to one
// endpoint identity).
type Manager struct {
	api      *webrtc.API
	self     uuid.UUID
	selfName string
	opts     ManagerOptions
	metrics  *metrics.Metrics
	log      *slog.Logger

	signaler Signaler

	mu            sync.Mutex
	conns         map[uuid.UUID]*PeerConnection
	pendingAnswer map[uuid.UUID]chan message.PeerConnection
	closed        bool

	onConnection func(uuid.UUID, *PeerConnection)
}

// SetOnConnection registers a callback fired whenever a PeerConnection is
// added to the Manager, whether established as offerer or answerer.
// Intended for a collaborator (e.g. internal/endpoint) that pumps incoming
// application payloads off every connection.
func (mgr *Manager) SetOnConnection(fn func(uuid.UUID, *PeerConnection)) {
	mgr.mu.Lock()
	mgr.onConnection = fn
	mgr.mu.Unlock()
}

func NewManager(api *webrtc.API, self uuid.UUID, selfName string, signaler Signaler, opts ManagerOptions, m *metrics.Metrics, log *slog.Logger) *Manager {
	if opts.DataChannelsPerPeer <= 0 {
		opts.DataChannelsPerPeer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		api:           api,
		self:          self,
		selfName:      selfName,
		opts:          opts,
		metrics:       m,
		log:           log,
		signaler:      signaler,
		conns:         make(map[uuid.UUID]*PeerConnection),
		pendingAnswer: make(map[uuid.UUID]chan message.PeerConnection),
	}
}

// Run reads PeerConnection control messages off the signaler until ctx is
// cancelled, answering inbound offers and routing inbound answers to waiters
// started by GetOrCreate.
func (mgr *Manager) Run(ctx context.Context) error {
	for {
		msg, err := mgr.signaler.Recv(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case message.TypePeerConnection:
			mgr.handlePeerConnection(ctx, msg.PeerConnection)
		case message.TypeServerResponse:
			mgr.log.Warn("unexpected server_response on peer manager loop", "message", msg.ServerResponse.Message)
		default:
			mgr.log.Warn("unexpected message type on peer manager loop", "type", msg.Type)
		}
	}
}

func (mgr *Manager) handlePeerConnection(ctx context.Context, pc *message.PeerConnection) {
	if pc == nil {
		return
	}
	if pc.Error != "" {
		mgr.failPending(pc.SourceUUID, pc)
		return
	}

	switch pc.DescriptionType {
	case message.DescriptionOffer:
		mgr.handleOffer(ctx, pc)
	case message.DescriptionAnswer:
		mgr.deliverAnswer(pc.SourceUUID, *pc)
	default:
		mgr.log.Warn("peer_connection with unrecognized description_type", "description_type", pc.DescriptionType)
	}
}

func (mgr *Manager) handleOffer(ctx context.Context, offer *message.PeerConnection) {
	conn, answerSDP, err := NewAnswerer(mgr.api, mgr.opts.ICEServers, mgr.self, offer.SourceUUID,
		mgr.opts.DataChannelsPerPeer, mgr.opts.ChunkSizeBytes, mgr.opts.MaxRecvQueueItems, offer.Description,
		mgr.metrics, func() { mgr.drop(offer.SourceUUID) })
	if err != nil {
		mgr.log.Warn("failed to answer peer connection offer", "peer", offer.SourceUUID, "err", err)
		return
	}

	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		_ = conn.Close()
		return
	}
	mgr.mu.Unlock()

	if err := mgr.signaler.Send(message.Message{
		Type: message.TypePeerConnection,
		PeerConnection: &message.PeerConnection{
			SourceUUID:      mgr.self,
			SourceName:      mgr.selfName,
			PeerUUID:        offer.SourceUUID,
			DescriptionType: message.DescriptionAnswer,
			Description:     answerSDP,
		},
	}); err != nil {
		mgr.log.Warn("failed to send peer connection answer", "peer", offer.SourceUUID, "err", err)
		_ = conn.Close()
		return
	}

	// The answer is on the wire but the data channels the offerer opened
	// haven't necessarily finished their OnOpen handshake yet. Publishing
	// into conns (and firing onConnection, which may start reading from the
	// connection immediately) has to wait for that, so it runs off the
	// signaling read loop rather than blocking it.
	go mgr.publishWhenReady(offer.SourceUUID, conn)
}

func (mgr *Manager) publishWhenReady(peer uuid.UUID, conn *PeerConnection) {
	readyCtx := context.Background()
	if mgr.opts.PeerReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(readyCtx, mgr.opts.PeerReadyTimeout)
		defer cancel()
	}

	if err := conn.Ready(readyCtx); err != nil {
		mgr.log.Warn("answerer connection never became ready", "peer", peer, "err", err)
		_ = conn.Close()
		if mgr.metrics != nil {
			mgr.metrics.PeerConnectionsTimedOut.Inc()
		}
		return
	}

	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		_ = conn.Close()
		return
	}
	mgr.conns[peer] = conn
	onConnection := mgr.onConnection
	mgr.mu.Unlock()
	if onConnection != nil {
		onConnection(peer, conn)
	}
	if mgr.metrics != nil {
		mgr.metrics.PeerConnectionsEstablished.Inc()
	}
}

// GetOrCreate returns the existing PeerConnection to peer, or establishes one
// as the offerer and blocks until the handshake completes (or ctx expires).
func (mgr *Manager) GetOrCreate(ctx context.Context, peer uuid.UUID) (*PeerConnection, error) {
	mgr.mu.Lock()
	if conn, ok := mgr.conns[peer]; ok {
		mgr.mu.Unlock()
		return conn, nil
	}
	if mgr.closed {
		mgr.mu.Unlock()
		return nil, errors.New("webrtcpeer: manager closed")
	}

	answerCh := make(chan message.PeerConnection, 1)
	mgr.pendingAnswer[peer] = answerCh
	mgr.mu.Unlock()

	timeoutCtx := ctx
	var cancel context.CancelFunc
	if mgr.opts.PeerReadyTimeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, mgr.opts.PeerReadyTimeout)
		defer cancel()
	}

	conn, offerSDP, err := NewOfferer(mgr.api, mgr.opts.ICEServers, mgr.self, peer,
		mgr.opts.DataChannelsPerPeer, mgr.opts.ChunkSizeBytes, mgr.opts.MaxRecvQueueItems,
		mgr.metrics, func() { mgr.drop(peer) })
	if err != nil {
		mgr.clearPending(peer)
		return nil, err
	}

	if err := mgr.signaler.Send(message.Message{
		Type: message.TypePeerConnection,
		PeerConnection: &message.PeerConnection{
			SourceUUID:      mgr.self,
			SourceName:      mgr.selfName,
			PeerUUID:        peer,
			DescriptionType: message.DescriptionOffer,
			Description:     offerSDP,
		},
	}); err != nil {
		mgr.clearPending(peer)
		_ = conn.Close()
		return nil, fmt.Errorf("webrtcpeer: send offer: %w", err)
	}

	select {
	case <-timeoutCtx.Done():
		mgr.clearPending(peer)
		_ = conn.Close()
		if mgr.metrics != nil {
			mgr.metrics.PeerConnectionsTimedOut.Inc()
		}
		return nil, &PeerConnectionTimeoutError{Reason: "no answer received"}
	case answer := <-answerCh:
		if answer.Error != "" {
			_ = conn.Close()
			return nil, &PeerConnectionError{Reason: answer.Error}
		}
		if err := conn.SetRemoteAnswer(answer.Description); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if err := conn.Ready(timeoutCtx); err != nil {
		_ = conn.Close()
		if mgr.metrics != nil {
			mgr.metrics.PeerConnectionsTimedOut.Inc()
		}
		return nil, err
	}

	mgr.mu.Lock()
	mgr.conns[peer] = conn
	onConnection := mgr.onConnection
	mgr.mu.Unlock()
	if onConnection != nil {
		onConnection(peer, conn)
	}
	if mgr.metrics != nil {
		mgr.metrics.PeerConnectionsEstablished.Inc()
	}
	return conn, nil
}

// Send chunks data to peer, establishing a connection first if needed.
func (mgr *Manager) Send(ctx context.Context, peer uuid.UUID, dtype chunk.DataType, data []byte) error {
	conn, err := mgr.GetOrCreate(ctx, peer)
	if err != nil {
		return err
	}
	return conn.Send(ctx, dtype, data)
}

// Recv blocks for the next reassembled payload from an existing connection
// to peer.
func (mgr *Manager) Recv(ctx context.Context, peer uuid.UUID) ([]byte, error) {
	mgr.mu.Lock()
	conn, ok := mgr.conns[peer]
	mgr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("webrtcpeer: no connection to peer %s", peer)
	}
	return conn.Recv(ctx)
}

// CloseConnection tears down and forgets the connection to peer, if any.
func (mgr *Manager) CloseConnection(peer uuid.UUID) error {
	mgr.mu.Lock()
	conn, ok := mgr.conns[peer]
	delete(mgr.conns, peer)
	mgr.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Close tears down every connection the Manager owns.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	mgr.closed = true
	conns := mgr.conns
	mgr.conns = make(map[uuid.UUID]*PeerConnection)
	mgr.mu.Unlock()

	var first error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (mgr *Manager) drop(peer uuid.UUID) {
	mgr.mu.Lock()
	delete(mgr.conns, peer)
	mgr.mu.Unlock()
	if mgr.metrics != nil {
		mgr.metrics.PeerConnectionsClosed.WithLabelValues("closed").Inc()
	}
}

func (mgr *Manager) deliverAnswer(peer uuid.UUID, pc message.PeerConnection) {
	mgr.mu.Lock()
	ch, ok := mgr.pendingAnswer[peer]
	delete(mgr.pendingAnswer, peer)
	mgr.mu.Unlock()
	if !ok {
		mgr.log.Warn("received answer with no pending offer", "peer", peer)
		return
	}
	ch <- pc
}

func (mgr *Manager) failPending(peer uuid.UUID, pc *message.PeerConnection) {
	mgr.mu.Lock()
	ch, ok := mgr.pendingAnswer[peer]
	delete(mgr.pendingAnswer, peer)
	mgr.mu.Unlock()
	if ok {
		ch <- *pc
		return
	}
	mgr.log.Warn("peer_connection error with no pending offer", "peer", peer, "error", pc.Error)
}

func (mgr *Manager) clearPending(peer uuid.UUID) {
	mgr.mu.Lock()
	delete(mgr.pendingAnswer, peer)
	mgr.mu.Unlock()
}
