package webrtcpeer

import (
	"sync"

	"github.com/meshobj/p2p/internal/chunk"
)

// reassembler accumulates chunks per stream_id and emits a Payload once a
// complete set has arrived. It tolerates out-of-order chunk delivery.
type reassembler struct {
	mu       sync.Mutex
	partials map[uint32][]chunk.Chunk
}

func newReassembler() *reassembler {
	return &reassembler{partials: make(map[uint32][]chunk.Chunk)}
}

// Feed adds one decoded chunk, returning the reassembled payload once every
// chunk for its stream has arrived. ok is false while the stream is still
// incomplete; err is non-nil only for malformed chunk sets (duplicate or
// inconsistent chunks), which also discards the partial stream.
func (r *reassembler) Feed(c chunk.Chunk) (chunk.Payload, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := append(r.partials[c.StreamID], c)
	if uint32(len(set)) < c.SeqLen {
		r.partials[c.StreamID] = set
		return chunk.Payload{}, false, nil
	}

	delete(r.partials, c.StreamID)
	payload, err := chunk.Reconstruct(set)
	if err != nil {
		return chunk.Payload{}, false, err
	}
	return payload, true, nil
}
