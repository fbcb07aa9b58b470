package webrtcpeer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshobj/p2p/internal/chunk"
)

func TestOffererAnswererSendRecvRoundTrip(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	selfA, selfB := uuid.New(), uuid.New()

	offerer, offerSDP, err := NewOfferer(api, nil, selfA, selfB, 2, 1024, 16, nil, nil)
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, answerSDP, err := NewAnswerer(api, nil, selfB, selfA, 2, 1024, 16, offerSDP, nil, nil)
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	if err := offerer.SetRemoteAnswer(answerSDP); err != nil {
		t.Fatalf("SetRemoteAnswer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := offerer.Ready(ctx); err != nil {
		t.Fatalf("offerer Ready: %v", err)
	}
	if err := answerer.Ready(ctx); err != nil {
		t.Fatalf("answerer Ready: %v", err)
	}

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := offerer.Send(ctx, chunk.DataTypeBytes, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := answerer.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestSendWaitsForReadyWithoutExplicitCall(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	selfA, selfB := uuid.New(), uuid.New()

	offerer, offerSDP, err := NewOfferer(api, nil, selfA, selfB, 1, 1024, 4, nil, nil)
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, answerSDP, err := NewAnswerer(api, nil, selfB, selfA, 1, 1024, 4, offerSDP, nil, nil)
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	if err := offerer.SetRemoteAnswer(answerSDP); err != nil {
		t.Fatalf("SetRemoteAnswer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Neither side's Ready is awaited explicitly; Send must do it internally
	// rather than racing the data channel handshake.
	if err := offerer.Send(ctx, chunk.DataTypeBytes, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := answerer.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestSendTimesOutWhenNeverReady(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	selfA, selfB := uuid.New(), uuid.New()

	offerer, _, err := NewOfferer(api, nil, selfA, selfB, 1, 1024, 4, nil, nil)
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	// No SetRemoteAnswer, so ICE never completes and the data channel never
	// opens; Send must respect ctx instead of blocking forever.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := offerer.Send(ctx, chunk.DataTypeBytes, []byte("hello")); err == nil {
		t.Fatalf("expected Send to time out before becoming ready")
	}
}

func TestRecvCanceledByContext(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	selfA, selfB := uuid.New(), uuid.New()
	offerer, offerSDP, err := NewOfferer(api, nil, selfA, selfB, 1, 1024, 4, nil, nil)
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })
	answerer, answerSDP, err := NewAnswerer(api, nil, selfB, selfA, 1, 1024, 4, offerSDP, nil, nil)
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })
	if err := offerer.SetRemoteAnswer(answerSDP); err != nil {
		t.Fatalf("SetRemoteAnswer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := answerer.Recv(ctx); err == nil {
		t.Fatalf("expected Recv to be cancelled")
	}
}

func TestChannelLabelRoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		label := channelLabel(i)
		idx, ok := channelIndex(label)
		if !ok || idx != i {
			t.Fatalf("channelIndex(%q) = %d, %v; want %d, true", label, idx, ok, i)
		}
	}
	if _, ok := channelIndex("udp"); ok {
		t.Fatalf("channelIndex(\"udp\") should reject unrelated labels")
	}
}
