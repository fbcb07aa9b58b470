package chunk

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Chunk{DType: DataTypeBytes, StreamID: 7, SeqID: 1, SeqLen: 3, Payload: []byte("hello")}
	encoded, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.DType != c.DType || got.StreamID != c.StreamID || got.SeqID != c.SeqID || got.SeqLen != c.SeqLen {
		t.Fatalf("got %+v, want %+v", got, c)
	}
	if !bytes.Equal(got.Payload, c.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, c.Payload)
	}
}

func TestChunkifyReconstructRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000) // 10000 bytes

	chunks, err := Chunkify(DataTypeBytes, payload, 777, 42)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 13 { // ceil(10000/777)
		t.Fatalf("got %d chunks, want 13", len(chunks))
	}

	// Shuffle to exercise out-of-order reassembly.
	shuffled := make([]Chunk, len(chunks))
	for i, c := range chunks {
		shuffled[len(chunks)-1-i] = c
	}

	out, err := Reconstruct(shuffled)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(out.Bytes, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out.Bytes), len(payload))
	}
}

func TestChunkifyEmptyPayloadYieldsOneChunk(t *testing.T) {
	chunks, err := Chunkify(DataTypeString, nil, 16, 1)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].SeqLen != 1 {
		t.Fatalf("seq_len = %d, want 1", chunks[0].SeqLen)
	}
}

func TestReconstructRejectsIncomplete(t *testing.T) {
	chunks, err := Chunkify(DataTypeBytes, []byte("abcdefgh"), 2, 1)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	_, err = Reconstruct(chunks[:len(chunks)-1])
	if err == nil {
		t.Fatalf("expected error reconstructing with missing chunks")
	}
}

func TestReconstructRejectsDuplicateSeqID(t *testing.T) {
	chunks, err := Chunkify(DataTypeBytes, []byte("abcdefgh"), 2, 1)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	dup := append([]Chunk{chunks[0]}, chunks...) // now len == seq_len+1, first id repeated
	_, err = Reconstruct(dup)
	if err == nil {
		t.Fatalf("expected error for duplicate seq_id")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	if err != ErrTooShort {
		t.Fatalf("got %v, want ErrTooShort", err)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	c := Chunk{DType: DataTypeBytes, StreamID: 1, SeqID: 0, SeqLen: 1, Payload: []byte("abc")}
	encoded, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encoded = append(encoded, 0xFF) // corrupt total_length vs actual size
	_, err = Decode(encoded)
	if err != ErrLengthMismatch {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}
}

func TestCodecEnforcesMaxFrameBytes(t *testing.T) {
	codec := Codec{MaxFrameBytes: HeaderLen + 4}
	_, err := codec.Encode(Chunk{SeqLen: 1, Payload: make([]byte, 5)})
	if err == nil {
		t.Fatalf("expected error exceeding MaxFrameBytes")
	}
}
