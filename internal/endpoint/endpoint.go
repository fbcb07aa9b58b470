// Package endpoint implements the key/value RPC surface each process
// exposes, routing operations either to a local byte-blob Store or to a
// named peer via a PeerManager.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshobj/p2p/internal/chunk"
	"github.com/meshobj/p2p/internal/metrics"
	"github.com/meshobj/p2p/internal/storage"
	"github.com/meshobj/p2p/internal/webrtcpeer"
)

const (
	opGet    = "get"
	opSet    = "set"
	opExists = "exists"
	opEvict  = "evict"
)

// PeerManager is the subset of internal/webrtcpeer.Manager endpoint needs:
// sending an application payload to a peer over its established connection.
type PeerManager interface {
	Send(ctx context.Context, peer uuid.UUID, dtype chunk.DataType, data []byte) error
}

// Endpoint dispatches Get/Set/Exists/Evict either to a local Store or, when
// endpointUUID names a different peer, across the wire via PeerManager.
type Endpoint struct {
	self          uuid.UUID
	store         storage.Store
	manager       PeerManager
	maxObjectSize int
	rpcTimeout    time.Duration
	metrics       *metrics.Metrics
	log           *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]chan rpcEnvelope
}

func New(self uuid.UUID, store storage.Store, manager PeerManager, maxObjectSize int, rpcTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 30 * time.Second
	}
	return &Endpoint{
		self:          self,
		store:         store,
		manager:       manager,
		maxObjectSize: maxObjectSize,
		rpcTimeout:    rpcTimeout,
		metrics:       m,
		log:           log,
		pending:       make(map[uuid.UUID]chan rpcEnvelope),
	}
}

// Attach registers a callback on mgr so every connection it establishes,
// whether as offerer or answerer, gets a background pump feeding decoded
// rpcEnvelopes into HandleIncoming. ctx bounds the lifetime of every pump
// goroutine spawned this way.
func (e *Endpoint) Attach(ctx context.Context, mgr *webrtcpeer.Manager) {
	mgr.SetOnConnection(func(peer uuid.UUID, conn *webrtcpeer.PeerConnection) {
		go e.pump(ctx, peer, conn)
	})
}

func (e *Endpoint) pump(ctx context.Context, peer uuid.UUID, conn *webrtcpeer.PeerConnection) {
	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Debug("rpc pump stopped", "peer", peer, "err", err)
			}
			return
		}
		e.HandleIncoming(ctx, peer, payload)
	}
}

func (e *Endpoint) isLocal(target uuid.UUID) bool {
	return target == uuid.Nil || target == e.self || e.manager == nil
}

func (e *Endpoint) Get(ctx context.Context, target uuid.UUID, key string) ([]byte, bool, error) {
	e.observe("get")
	if e.isLocal(target) {
		v, ok, err := e.store.Get(ctx, key)
		e.observeErr("get", err)
		return v, ok, err
	}
	resp, err := e.dispatch(ctx, target, opGet, key, nil)
	if err != nil {
		e.observeErr("get", err)
		return nil, false, err
	}
	return resp.Data, resp.Found, nil
}

func (e *Endpoint) Set(ctx context.Context, target uuid.UUID, key string, value []byte) error {
	e.observe("set")
	if e.maxObjectSize > 0 && len(value) > e.maxObjectSize {
		if e.metrics != nil {
			e.metrics.ObjectsOversize.Inc()
		}
		e.observeErr("set", storage.ErrObjectSizeExceeded)
		return storage.ErrObjectSizeExceeded
	}
	if e.isLocal(target) {
		err := e.store.Set(ctx, key, value)
		e.observeErr("set", err)
		return err
	}
	_, err := e.dispatch(ctx, target, opSet, key, value)
	e.observeErr("set", err)
	return err
}

func (e *Endpoint) Exists(ctx context.Context, target uuid.UUID, key string) (bool, error) {
	e.observe("exists")
	if e.isLocal(target) {
		ok, err := e.store.Exists(ctx, key)
		e.observeErr("exists", err)
		return ok, err
	}
	resp, err := e.dispatch(ctx, target, opExists, key, nil)
	if err != nil {
		e.observeErr("exists", err)
		return false, err
	}
	return resp.Found, nil
}

func (e *Endpoint) Evict(ctx context.Context, target uuid.UUID, key string) error {
	e.observe("evict")
	if e.isLocal(target) {
		err := e.store.Evict(ctx, key)
		e.observeErr("evict", err)
		return err
	}
	_, err := e.dispatch(ctx, target, opEvict, key, nil)
	e.observeErr("evict", err)
	return err
}

func (e *Endpoint) observe(op string) {
	if e.metrics != nil {
		e.metrics.RPCRequestsTotal.WithLabelValues(op).Inc()
	}
}

func (e *Endpoint) observeErr(op string, err error) {
	if err == nil || e.metrics == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, storage.ErrObjectSizeExceeded):
		kind = "object_size_exceeded"
	case errors.As(err, new(*PeerRequestError)):
		kind = "peer_request"
	case errors.As(err, new(PeeringNotAvailableError)):
		kind = "peering_not_available"
	}
	e.metrics.RPCErrorsTotal.WithLabelValues(op, kind).Inc()
}

// dispatch sends a request envelope to target and blocks for the matching
// response, correlated by a fresh request UUID.
func (e *Endpoint) dispatch(ctx context.Context, target uuid.UUID, op, key string, data []byte) (rpcEnvelope, error) {
	if e.manager == nil {
		return rpcEnvelope{}, PeeringNotAvailableError{}
	}

	reqID := uuid.New()
	ch := make(chan rpcEnvelope, 1)
	e.mu.Lock()
	e.pending[reqID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, reqID)
		e.mu.Unlock()
	}()

	payload, err := encodeEnvelope(rpcEnvelope{Op: op, Key: key, Data: data, UUID: reqID.String(), Kind: kindRequest})
	if err != nil {
		return rpcEnvelope{}, &PeerRequestError{Peer: target.String(), Reason: "encode", Err: err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	if err := e.manager.Send(timeoutCtx, target, chunk.DataTypeBytes, payload); err != nil {
		return rpcEnvelope{}, &PeerRequestError{Peer: target.String(), Reason: "send", Err: err}
	}

	select {
	case <-timeoutCtx.Done():
		return rpcEnvelope{}, &PeerRequestError{Peer: target.String(), Reason: "timeout", Err: timeoutCtx.Err()}
	case resp := <-ch:
		if resp.Error != "" {
			return rpcEnvelope{}, &PeerRequestError{Peer: target.String(), Reason: resp.Error}
		}
		return resp, nil
	}
}

// HandleIncoming decodes a payload received from peer and either executes a
// remote request locally (replying via PeerManager) or resolves a pending
// dispatch by matching its request UUID. Malformed payloads and responses
// with no matching pending request are logged and dropped.
func (e *Endpoint) HandleIncoming(ctx context.Context, peer uuid.UUID, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		e.log.Warn("malformed rpc envelope", "peer", peer, "err", err)
		return
	}

	switch env.Kind {
	case kindRequest:
		e.handleRequest(ctx, peer, env)
	case kindResponse:
		e.handleResponse(peer, env)
	default:
		e.log.Warn("rpc envelope with unknown kind", "peer", peer, "kind", env.Kind)
	}
}

func (e *Endpoint) handleRequest(ctx context.Context, peer uuid.UUID, req rpcEnvelope) {
	resp := rpcEnvelope{Op: req.Op, Key: req.Key, UUID: req.UUID, Kind: kindResponse}

	switch req.Op {
	case opGet:
		v, ok, err := e.store.Get(ctx, req.Key)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Data, resp.Found = v, ok
		}
	case opSet:
		if e.maxObjectSize > 0 && len(req.Data) > e.maxObjectSize {
			resp.Error = storage.ErrObjectSizeExceeded.Error()
		} else if err := e.store.Set(ctx, req.Key, req.Data); err != nil {
			resp.Error = err.Error()
		}
	case opExists:
		ok, err := e.store.Exists(ctx, req.Key)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Found = ok
		}
	case opEvict:
		if err := e.store.Evict(ctx, req.Key); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = "unknown op " + req.Op
	}

	payload, err := encodeEnvelope(resp)
	if err != nil {
		e.log.Warn("failed to encode rpc response", "peer", peer, "err", err)
		return
	}
	if err := e.manager.Send(ctx, peer, chunk.DataTypeBytes, payload); err != nil {
		e.log.Warn("failed to send rpc response", "peer", peer, "err", err)
	}
}

func (e *Endpoint) handleResponse(peer uuid.UUID, resp rpcEnvelope) {
	reqID, err := uuid.Parse(resp.UUID)
	if err != nil {
		e.log.Warn("rpc response with invalid uuid", "peer", peer, "uuid", resp.UUID)
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[reqID]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("rpc response with no pending request", "peer", peer, "uuid", resp.UUID)
		return
	}
	ch <- resp
}
