package webrtcpeer

import (
	"testing"

	"github.com/meshobj/p2p/internal/chunk"
)

func TestReassemblerFeedOutOfOrder(t *testing.T) {
	chunks, err := chunk.Chunkify(chunk.DataTypeBytes, []byte("hello world"), 4, 7)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}

	r := newReassembler()
	var (
		payload chunk.Payload
		ok      bool
	)
	// feed in reverse order
	for i := len(chunks) - 1; i >= 0; i-- {
		payload, ok, err = r.Feed(chunks[i])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if i > 0 && ok {
			t.Fatalf("Feed reported complete before all chunks arrived")
		}
	}
	if !ok {
		t.Fatalf("Feed did not report complete after all chunks arrived")
	}
	if string(payload.Bytes) != "hello world" {
		t.Fatalf("payload = %q, want %q", payload.Bytes, "hello world")
	}
}

func TestReassemblerFeedDuplicateSeqID(t *testing.T) {
	chunks, err := chunk.Chunkify(chunk.DataTypeBytes, []byte("abcdefgh"), 4, 1)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}

	r := newReassembler()
	if _, _, err := r.Feed(chunks[0]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, _, err := r.Feed(chunks[0]); err == nil {
		t.Fatalf("expected error feeding duplicate seq_id")
	}
}

func TestReassemblerSeparatesConcurrentStreams(t *testing.T) {
	a, err := chunk.Chunkify(chunk.DataTypeBytes, []byte("stream-a"), 4, 1)
	if err != nil {
		t.Fatalf("Chunkify a: %v", err)
	}
	b, err := chunk.Chunkify(chunk.DataTypeBytes, []byte("stream-b"), 4, 2)
	if err != nil {
		t.Fatalf("Chunkify b: %v", err)
	}

	r := newReassembler()
	if _, ok, err := r.Feed(a[0]); err != nil || ok {
		t.Fatalf("Feed a[0]: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Feed(b[0]); err != nil || ok {
		t.Fatalf("Feed b[0]: ok=%v err=%v", ok, err)
	}
	pb, ok, err := r.Feed(b[1])
	if err != nil || !ok {
		t.Fatalf("Feed b[1]: ok=%v err=%v", ok, err)
	}
	if string(pb.Bytes) != "stream-b" {
		t.Fatalf("stream b payload = %q, want %q", pb.Bytes, "stream-b")
	}
	pa, ok, err := r.Feed(a[1])
	if err != nil || !ok {
		t.Fatalf("Feed a[1]: ok=%v err=%v", ok, err)
	}
	if string(pa.Bytes) != "stream-a" {
		t.Fatalf("stream a payload = %q, want %q", pa.Bytes, "stream-a")
	}
}
