// Package chunk frames arbitrarily large byte/string payloads into a
// sequence of fixed-header binary chunks that fit inside a single WebRTC
// data channel message, and reassembles them on the receiving side.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DataType distinguishes the payload carried by a reassembled message.
type DataType uint16

const (
	DataTypeBytes  DataType = 0
	DataTypeString DataType = 1
)

// HeaderLen is the size in bytes of a chunk's fixed header:
// dtype_tag(2) + total_length(4) + stream_id(4) + seq_id(4) + seq_len(4).
const HeaderLen = 2 + 4 + 4 + 4 + 4

var (
	ErrTooShort       = errors.New("chunk: frame shorter than header")
	ErrLengthMismatch = errors.New("chunk: declared total_length does not match frame size")
	ErrInvalidSeq     = errors.New("chunk: seq_id out of range for seq_len")
	ErrIncomplete     = errors.New("chunk: fewer than seq_len chunks supplied")
	ErrDuplicateSeq   = errors.New("chunk: duplicate seq_id in reconstruct input")
	ErrUnknownDType   = errors.New("chunk: unknown dtype_tag")
)

// Chunk is one decoded frame: a fixed header plus its payload slice.
type Chunk struct {
	DType    DataType
	StreamID uint32
	SeqID    uint32
	SeqLen   uint32
	Payload  []byte
}

// Codec encodes/decodes chunks, bounding the maximum total frame size it will
// produce or accept.
type Codec struct {
	// MaxFrameBytes bounds HeaderLen+len(Payload) for both Encode and Decode.
	// Zero means unbounded.
	MaxFrameBytes int
}

// DefaultCodec imposes no size bound; callers that need one (e.g. to match a
// data channel's negotiated max message size) should construct their own
// Codec.
var DefaultCodec = Codec{}

// Encode renders c as a single binary frame.
func Encode(c Chunk) ([]byte, error) { return DefaultCodec.Encode(c) }

// Decode parses a single binary frame into a Chunk.
func Decode(b []byte) (Chunk, error) { return DefaultCodec.Decode(b) }

func (c Codec) Encode(ch Chunk) ([]byte, error) {
	if ch.SeqLen == 0 || ch.SeqID >= ch.SeqLen {
		return nil, ErrInvalidSeq
	}
	total := HeaderLen + len(ch.Payload)
	if c.MaxFrameBytes > 0 && total > c.MaxFrameBytes {
		return nil, fmt.Errorf("chunk: frame of %d bytes exceeds max %d", total, c.MaxFrameBytes)
	}

	out := make([]byte, total)
	binary.BigEndian.PutUint16(out[0:2], uint16(ch.DType))
	binary.BigEndian.PutUint32(out[2:6], uint32(total))
	binary.BigEndian.PutUint32(out[6:10], ch.StreamID)
	binary.BigEndian.PutUint32(out[10:14], ch.SeqID)
	binary.BigEndian.PutUint32(out[14:18], ch.SeqLen)
	copy(out[HeaderLen:], ch.Payload)
	return out, nil
}

func (c Codec) Decode(b []byte) (Chunk, error) {
	if len(b) < HeaderLen {
		return Chunk{}, ErrTooShort
	}
	if c.MaxFrameBytes > 0 && len(b) > c.MaxFrameBytes {
		return Chunk{}, fmt.Errorf("chunk: frame of %d bytes exceeds max %d", len(b), c.MaxFrameBytes)
	}

	dtype := DataType(binary.BigEndian.Uint16(b[0:2]))
	switch dtype {
	case DataTypeBytes, DataTypeString:
	default:
		return Chunk{}, ErrUnknownDType
	}

	totalLength := binary.BigEndian.Uint32(b[2:6])
	if int(totalLength) != len(b) {
		return Chunk{}, ErrLengthMismatch
	}
	streamID := binary.BigEndian.Uint32(b[6:10])
	seqID := binary.BigEndian.Uint32(b[10:14])
	seqLen := binary.BigEndian.Uint32(b[14:18])
	if seqLen == 0 || seqID >= seqLen {
		return Chunk{}, ErrInvalidSeq
	}

	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])

	return Chunk{
		DType:    dtype,
		StreamID: streamID,
		SeqID:    seqID,
		SeqLen:   seqLen,
		Payload:  payload,
	}, nil
}

// Payload is a reassembled application message: either raw bytes or UTF-8
// text, distinguished by DType.
type Payload struct {
	DType DataType
	Bytes []byte
}

// String returns Bytes interpreted as UTF-8 text, regardless of DType.
func (p Payload) String() string { return string(p.Bytes) }

// Chunkify partitions payload into ceil(len/chunkSize) chunks carrying
// sequential seq_ids under streamID. chunkSize must be > 0. A zero-length
// payload chunkifies to exactly one empty chunk with seq_len=1.
func Chunkify(dtype DataType, payload []byte, chunkSize int, streamID uint32) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk: chunkSize must be > 0")
	}

	seqLen := 1
	if len(payload) > 0 {
		seqLen = (len(payload) + chunkSize - 1) / chunkSize
	}
	if uint64(seqLen) > uint64(^uint32(0)) {
		return nil, errors.New("chunk: payload too large to chunkify")
	}

	chunks := make([]Chunk, 0, seqLen)
	for i := 0; i < seqLen; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		part := payload[start:end]
		buf := make([]byte, len(part))
		copy(buf, part)
		chunks = append(chunks, Chunk{
			DType:    dtype,
			StreamID: streamID,
			SeqID:    uint32(i),
			SeqLen:   uint32(seqLen),
			Payload:  buf,
		})
	}
	return chunks, nil
}

// Reconstruct reassembles chunks (all assumed to share one stream_id) back
// into a Payload. It requires exactly as many chunks as the shared seq_len,
// sorts by seq_id, and concatenates. Out-of-order input is fine; duplicate or
// missing seq_ids are errors.
func Reconstruct(chunks []Chunk) (Payload, error) {
	if len(chunks) == 0 {
		return Payload{}, ErrIncomplete
	}

	seqLen := chunks[0].SeqLen
	dtype := chunks[0].DType
	streamID := chunks[0].StreamID

	if len(chunks) != int(seqLen) {
		return Payload{}, ErrIncomplete
	}

	ordered := make([]*Chunk, seqLen)
	for i := range chunks {
		ch := chunks[i]
		if ch.SeqLen != seqLen || ch.DType != dtype || ch.StreamID != streamID {
			return Payload{}, fmt.Errorf("chunk: inconsistent header fields across stream %d", streamID)
		}
		if ch.SeqID >= seqLen {
			return Payload{}, ErrInvalidSeq
		}
		if ordered[ch.SeqID] != nil {
			return Payload{}, ErrDuplicateSeq
		}
		ordered[ch.SeqID] = &chunks[i]
	}

	total := 0
	for _, ch := range ordered {
		total += len(ch.Payload)
	}
	out := make([]byte, 0, total)
	for _, ch := range ordered {
		out = append(out, ch.Payload...)
	}

	return Payload{DType: dtype, Bytes: out}, nil
}
