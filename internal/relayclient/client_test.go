package relayclient_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshobj/p2p/internal/config"
	"github.com/meshobj/p2p/internal/message"
	"github.com/meshobj/p2p/internal/relayclient"
	"github.com/meshobj/p2p/internal/relayserver"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.RegistrationTimeout = 2 * time.Second
	cfg.MaxSignalingMessageBytes = 64 * 1024
	cfg.MaxSignalingMessagesPerSecond = 50
	return cfg
}

func TestConnectRegistersAndSendRecvRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	srv, err := relayserver.NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	a, b := uuid.New(), uuid.New()

	clientA := relayclient.New(wsURL, a, "endpoint-a", "", cfg, nil)
	clientB := relayclient.New(wsURL, b, "endpoint-b", "", cfg, nil)
	t.Cleanup(func() { _ = clientA.Close() })
	t.Cleanup(func() { _ = clientB.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("clientA.Connect: %v", err)
	}
	if err := clientB.Connect(ctx); err != nil {
		t.Fatalf("clientB.Connect: %v", err)
	}

	// Connect is idempotent.
	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("clientA.Connect (second call): %v", err)
	}

	if err := clientA.Send(message.Message{
		Type: message.TypePeerConnection,
		PeerConnection: &message.PeerConnection{
			SourceUUID:      a,
			PeerUUID:        b,
			DescriptionType: message.DescriptionOffer,
			Description:     "v=0 fake-sdp",
		},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := clientB.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.PeerConnection == nil || got.PeerConnection.Description != "v=0 fake-sdp" {
		t.Fatalf("got = %+v", got)
	}
}

func TestConnectFailsWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "secret"

	srv, err := relayserver.NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client := relayclient.New(wsURL, uuid.New(), "endpoint-a", "wrong", cfg, nil)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		t.Fatalf("expected Connect to fail with bad credentials")
	}
}
