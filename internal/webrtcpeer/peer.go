package webrtcpeer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/meshobj/p2p/internal/chunk"
	"github.com/meshobj/p2p/internal/metrics"
)

// flushThresholdBytes bounds how much unsent data channel buffer Send leaves
// behind before returning, mirroring the low-watermark pattern used by
// browser WebRTC data channel clients.
const flushThresholdBytes = 512 << 10

// PeerConnection owns one pion PeerConnection between this endpoint and a
// single peer, carrying chunked application payloads over N labelled data
// channels opened by the offering side.
type PeerConnection struct {
	pc   *webrtc.PeerConnection
	Self uuid.UUID
	Peer uuid.UUID

	metrics *metrics.Metrics

	chunkSize int

	expectedChannels int32
	openCount        int32
	readyOnce        sync.Once
	ready            chan struct{}

	mu     sync.Mutex
	chans  []*webrtc.DataChannel
	gates  []*sync.Cond

	recv        *recvQueue
	reassembler *reassembler

	sendCounter   atomic.Uint64
	streamCounter atomic.Uint32

	closeOnce sync.Once
	onClose   func()
}

func newPeerConnection(pc *webrtc.PeerConnection, self, peer uuid.UUID, expectedChannels, chunkSize, maxRecvQueueItems int, m *metrics.Metrics, onClose func()) *PeerConnection {
	p := &PeerConnection{
		pc:               pc,
		Self:             self,
		Peer:             peer,
		metrics:          m,
		chunkSize:        chunkSize,
		expectedChannels: int32(expectedChannels),
		ready:            make(chan struct{}),
		recv:             newRecvQueue(maxRecvQueueItems),
		reassembler:      newReassembler(),
		onClose:          onClose,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = p.Close()
		}
	})
	return p
}

// NewOfferer creates a PeerConnection and opens expectedChannels data
// channels, returning the local SDP offer once ICE gathering completes.
func NewOfferer(api *webrtc.API, iceServers []webrtc.ICEServer, self, peer uuid.UUID, expectedChannels, chunkSize, maxRecvQueueItems int, m *metrics.Metrics, onClose func()) (*PeerConnection, string, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, "", &PeerConnectionError{Reason: "create peer connection", Err: err}
	}
	p := newPeerConnection(pc, self, peer, expectedChannels, chunkSize, maxRecvQueueItems, m, onClose)

	for i := 0; i < expectedChannels; i++ {
		ordered := true
		dc, err := pc.CreateDataChannel(channelLabel(i), &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, "", &PeerConnectionError{Reason: fmt.Sprintf("create data channel %d", i), Err: err}
		}
		p.wireChannel(dc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "create offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "set local description", Err: err}
	}
	<-webrtc.GatheringCompletePromise(pc)

	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "missing local description after gathering"}
	}
	return p, local.SDP, nil
}

// NewAnswerer creates a PeerConnection from a received SDP offer, returning
// the local SDP answer once ICE gathering completes. expectedChannels is the
// configured data-channel count; the offerer is expected to open exactly
// that many.
func NewAnswerer(api *webrtc.API, iceServers []webrtc.ICEServer, self, peer uuid.UUID, expectedChannels, chunkSize, maxRecvQueueItems int, offerSDP string, m *metrics.Metrics, onClose func()) (*PeerConnection, string, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, "", &PeerConnectionError{Reason: "create peer connection", Err: err}
	}
	p := newPeerConnection(pc, self, peer, expectedChannels, chunkSize, maxRecvQueueItems, m, onClose)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if _, ok := channelIndex(dc.Label()); !ok {
			_ = dc.Close()
			return
		}
		p.wireChannel(dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "set remote description", Err: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "create answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "set local description", Err: err}
	}
	<-webrtc.GatheringCompletePromise(pc)

	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return nil, "", &PeerConnectionError{Reason: "missing local description after gathering"}
	}
	return p, local.SDP, nil
}

// SetRemoteAnswer completes the offerer side of the handshake.
func (p *PeerConnection) SetRemoteAnswer(answerSDP string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return &PeerConnectionError{Reason: "set remote answer", Err: err}
	}
	return nil
}

func (p *PeerConnection) wireChannel(dc *webrtc.DataChannel) {
	gate := sync.NewCond(&sync.Mutex{})
	dc.SetBufferedAmountLowThreshold(flushThresholdBytes)
	dc.OnBufferedAmountLow(func() {
		gate.L.Lock()
		gate.Signal()
		gate.L.Unlock()
	})

	dc.OnOpen(func() {
		n := atomic.AddInt32(&p.openCount, 1)
		if p.metrics != nil {
			p.metrics.DataChannelsOpened.Inc()
		}
		if n >= atomic.LoadInt32(&p.expectedChannels) {
			p.readyOnce.Do(func() { close(p.ready) })
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		c, err := chunk.Decode(msg.Data)
		if err != nil {
			if p.metrics != nil {
				p.metrics.ReassemblyDropped.WithLabelValues("malformed_chunk").Inc()
			}
			return
		}
		payload, complete, err := p.reassembler.Feed(c)
		if err != nil {
			if p.metrics != nil {
				p.metrics.ReassemblyDropped.WithLabelValues("inconsistent_set").Inc()
			}
			return
		}
		if p.metrics != nil {
			p.metrics.ChunksReceived.Inc()
		}
		if !complete {
			return
		}
		p.recv.Enqueue(payload.Bytes)
	})

	p.mu.Lock()
	p.chans = append(p.chans, dc)
	p.gates = append(p.gates, gate)
	p.mu.Unlock()
}

// Ready blocks until every expected data channel has opened, ctx is
// cancelled, or the connection closes.
func (p *PeerConnection) Ready(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return &PeerConnectionTimeoutError{Reason: "peer connection did not become ready"}
	}
}

// Send awaits the ready-signal (bounded by ctx), then chunks data across the
// open data channels in round-robin order, then waits for each touched
// channel's buffered amount to drain below the flush threshold before
// returning.
func (p *PeerConnection) Send(ctx context.Context, dtype chunk.DataType, data []byte) error {
	if err := p.Ready(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	chans := append([]*webrtc.DataChannel(nil), p.chans...)
	gates := append([]*sync.Cond(nil), p.gates...)
	p.mu.Unlock()

	if len(chans) == 0 {
		return &PeerConnectionError{Reason: "no data channels available"}
	}

	streamID := p.streamCounter.Add(1)
	chunks, err := chunk.Chunkify(dtype, data, p.chunkSize, streamID)
	if err != nil {
		return &PeerConnectionError{Reason: "chunkify", Err: err}
	}

	touched := make(map[int]struct{}, len(chans))
	for _, c := range chunks {
		idx := int(p.sendCounter.Add(1)-1) % len(chans)
		touched[idx] = struct{}{}

		frame, err := chunk.Encode(c)
		if err != nil {
			return &PeerConnectionError{Reason: "encode chunk", Err: err}
		}
		if err := chans[idx].Send(frame); err != nil {
			return &PeerConnectionError{Reason: "send on data channel", Err: err}
		}
		if p.metrics != nil {
			p.metrics.ChunksSent.Inc()
		}
	}

	for idx := range touched {
		waitForFlush(chans[idx], gates[idx])
	}
	return nil
}

func waitForFlush(dc *webrtc.DataChannel, gate *sync.Cond) {
	gate.L.Lock()
	for dc.BufferedAmount() > flushThresholdBytes {
		gate.Wait()
	}
	gate.L.Unlock()
}

// Recv blocks until a complete reassembled payload is available, ctx is
// cancelled, or the connection closes.
func (p *PeerConnection) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		ok   bool
	}
	out := make(chan result, 1)
	go func() {
		data, ok := p.recv.Dequeue()
		out <- result{data, ok}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		if !r.ok {
			return nil, io.EOF
		}
		return r.data, nil
	}
}

// Close idempotently tears down the peer connection and its data channels.
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.recv.Close()
		p.mu.Lock()
		chans := append([]*webrtc.DataChannel(nil), p.chans...)
		p.mu.Unlock()
		for _, dc := range chans {
			_ = dc.Close()
		}
		err = p.pc.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}
