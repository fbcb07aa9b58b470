// Command p2p-endpoint is a thin runnable demonstration of the endpoint
// wiring: a relay connection, a peer connection manager, and a key/value
// RPC surface over both. It exists to exercise internal/endpoint and
// internal/webrtcpeer together outside of tests, not as a polished CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meshobj/p2p/internal/config"
	"github.com/meshobj/p2p/internal/endpoint"
	"github.com/meshobj/p2p/internal/metrics"
	"github.com/meshobj/p2p/internal/relayclient"
	"github.com/meshobj/p2p/internal/storage"
	"github.com/meshobj/p2p/internal/webrtcpeer"
)

// p2p-endpoint takes its relay connection details from the environment
// rather than flags: internal/config.Load already owns the process's flag
// set, and those flags describe relay-server knobs that don't apply here.
const (
	envRelayURL   = "P2P_ENDPOINT_RELAY_URL"
	envName       = "P2P_ENDPOINT_NAME"
	envCredential = "P2P_ENDPOINT_CREDENTIAL"

	defaultRelayURL = "ws://127.0.0.1:8765/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	relayURL := os.Getenv(envRelayURL)
	if relayURL == "" {
		relayURL = defaultRelayURL
	}
	credential := os.Getenv(envCredential)

	self := uuid.New()
	selfName := os.Getenv(envName)
	if selfName == "" {
		selfName = self.String()
	}

	logger.Info("starting p2p-endpoint", "self", self, "name", selfName, "relay_url", relayURL)

	m := metrics.New()
	store := storage.NewMemory(cfg.MaxObjectSizeBytes)
	client := relayclient.New(relayURL, self, selfName, credential, cfg, logger)

	api, err := webrtcpeer.NewAPI()
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	opts := webrtcpeer.ManagerOptions{
		DataChannelsPerPeer: cfg.DataChannelsPerPeer,
		ChunkSizeBytes:      cfg.ChunkSizeBytes,
		PeerReadyTimeout:    cfg.PeerConnectionReadyTimeout,
	}
	manager := webrtcpeer.NewManager(api, self, selfName, client, opts, m, logger)

	ep := endpoint.New(self, store, manager, cfg.MaxObjectSizeBytes, cfg.RPCTimeout, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ep.Attach(ctx, manager)
	go client.MaintainConnection(ctx)
	go runPeerManagerLoop(ctx, manager, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	_ = manager.Close()
	_ = client.Close()
}

// runPeerManagerLoop restarts Manager.Run whenever it returns, since it exits
// as soon as the relay connection drops; MaintainConnection handles the
// reconnect itself and this just keeps the signaling read loop attached once
// a connection comes back.
func runPeerManagerLoop(ctx context.Context, manager *webrtcpeer.Manager, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Debug("peer manager loop restarting", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
