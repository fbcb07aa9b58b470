// Package config loads process configuration from flags and environment
// variables for both the relay server and endpoint binaries.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvListenAddr      = "P2P_RELAY_LISTEN_ADDR"
	EnvPublicBaseURL   = "P2P_RELAY_PUBLIC_BASE_URL"
	EnvLogFormat       = "P2P_LOG_FORMAT"
	EnvLogLevel        = "P2P_LOG_LEVEL"
	EnvShutdownTimeout = "P2P_SHUTDOWN_TIMEOUT"
	EnvMode            = "P2P_MODE"

	EnvAuthMode  = "P2P_AUTH_MODE"
	EnvAPIKey    = "P2P_API_KEY"
	EnvJWTSecret = "P2P_JWT_SECRET"

	EnvRegistrationTimeout         = "P2P_REGISTRATION_TIMEOUT"
	EnvPeerConnectionReadyTimeout  = "P2P_PEER_READY_TIMEOUT"
	EnvRPCTimeout                  = "P2P_RPC_TIMEOUT"
	EnvBackoffInitial               = "P2P_BACKOFF_INITIAL"
	EnvBackoffMax                   = "P2P_BACKOFF_MAX"
	EnvDataChannelsPerPeer           = "P2P_DATA_CHANNELS_PER_PEER"
	EnvChunkSizeBytes                = "P2P_CHUNK_SIZE_BYTES"
	EnvMaxObjectSizeBytes            = "P2P_MAX_OBJECT_SIZE_BYTES"
	EnvMaxSignalingMessageBytes      = "P2P_MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "P2P_MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvPeriodicLogInterval           = "P2P_PERIODIC_LOG_INTERVAL"

	EnvTURNRESTSharedSecret   = "P2P_TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "P2P_TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "P2P_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr        = "127.0.0.1:8765"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultMode         Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultRegistrationTimeout        = 10 * time.Second
	DefaultPeerConnectionReadyTimeout = 30 * time.Second
	DefaultRPCTimeout                 = 30 * time.Second
	DefaultBackoffInitial              = 1 * time.Second
	DefaultBackoffMax                  = 60 * time.Second
	DefaultDataChannelsPerPeer          = 1
	DefaultChunkSizeBytes               = 16 * 1024
	DefaultMaxObjectSizeBytes           = 64 << 20 // 64MiB
	DefaultMaxSignalingMessageBytes     = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultPeriodicLogInterval           = 30 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "p2p"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Config is the fully-validated configuration shared by the relay server and
// endpoint binaries. Not every field is meaningful to every binary.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	RegistrationTimeout        time.Duration
	PeerConnectionReadyTimeout time.Duration
	RPCTimeout                 time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	DataChannelsPerPeer int
	ChunkSizeBytes      int
	MaxObjectSizeBytes  int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	PeriodicLogInterval time.Duration

	TURNREST TURNRESTConfig
}

// Load builds a Config from os.Args-style flags and the process environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault, _ := lookup(EnvLogFormat)
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	logLevelDefault, _ := lookup(EnvLogLevel)
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("p2p", flag.ContinueOnError)

	mode := fs.String("mode", modeDefault, "dev or prod")
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, EnvListenAddr, DefaultListenAddr), "relay server listen address")
	publicBaseURL := fs.String("public-base-url", envOrDefault(lookup, EnvPublicBaseURL, ""), "externally reachable base URL of the relay HTTP surface")
	logFormat := fs.String("log-format", logFormatDefault, "text or json")
	logLevel := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeoutFlag := fs.Duration("shutdown-timeout", shutdownTimeout, "graceful shutdown deadline")

	authModeDefault := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	authMode := fs.String("auth-mode", authModeDefault, "none, api_key, or jwt")
	apiKey := fs.String("api-key", envOrDefault(lookup, EnvAPIKey, ""), "shared secret for auth-mode=api_key")
	jwtSecret := fs.String("jwt-secret", envOrDefault(lookup, EnvJWTSecret, ""), "HMAC secret for auth-mode=jwt")

	registrationTimeout, err := envDurationOrDefault(lookup, EnvRegistrationTimeout, DefaultRegistrationTimeout)
	if err != nil {
		return Config{}, err
	}
	registrationTimeoutFlag := fs.Duration("registration-timeout", registrationTimeout, "relay registration handshake timeout")

	peerReadyTimeout, err := envDurationOrDefault(lookup, EnvPeerConnectionReadyTimeout, DefaultPeerConnectionReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	peerReadyTimeoutFlag := fs.Duration("peer-ready-timeout", peerReadyTimeout, "peer connection readiness timeout")

	rpcTimeout, err := envDurationOrDefault(lookup, EnvRPCTimeout, DefaultRPCTimeout)
	if err != nil {
		return Config{}, err
	}
	rpcTimeoutFlag := fs.Duration("rpc-timeout", rpcTimeout, "endpoint RPC timeout")

	backoffInitial, err := envDurationOrDefault(lookup, EnvBackoffInitial, DefaultBackoffInitial)
	if err != nil {
		return Config{}, err
	}
	backoffInitialFlag := fs.Duration("backoff-initial", backoffInitial, "relay client reconnect initial backoff")

	backoffMax, err := envDurationOrDefault(lookup, EnvBackoffMax, DefaultBackoffMax)
	if err != nil {
		return Config{}, err
	}
	backoffMaxFlag := fs.Duration("backoff-max", backoffMax, "relay client reconnect max backoff")

	dataChannelsPerPeer, err := envIntOrDefault(lookup, EnvDataChannelsPerPeer, DefaultDataChannelsPerPeer)
	if err != nil {
		return Config{}, err
	}
	dataChannelsPerPeerFlag := fs.Int("data-channels-per-peer", dataChannelsPerPeer, "number of parallel data channels the offerer opens per peer connection")

	chunkSizeBytes, err := envIntOrDefault(lookup, EnvChunkSizeBytes, DefaultChunkSizeBytes)
	if err != nil {
		return Config{}, err
	}
	chunkSizeBytesFlag := fs.Int("chunk-size-bytes", chunkSizeBytes, "max payload bytes per chunk")

	maxObjectSizeBytes, err := envIntOrDefault(lookup, EnvMaxObjectSizeBytes, DefaultMaxObjectSizeBytes)
	if err != nil {
		return Config{}, err
	}
	maxObjectSizeBytesFlag := fs.Int("max-object-size-bytes", maxObjectSizeBytes, "max accepted Set payload size")

	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, EnvMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytesFlag := fs.Int64("max-signaling-message-bytes", maxSignalingMessageBytes, "max bytes per signaling websocket frame")

	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecondFlag := fs.Int("max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "per-socket signaling message rate limit")

	periodicLogInterval, err := envDurationOrDefault(lookup, EnvPeriodicLogInterval, DefaultPeriodicLogInterval)
	if err != nil {
		return Config{}, err
	}
	periodicLogIntervalFlag := fs.Duration("periodic-log-interval", periodicLogInterval, "interval between connected-clients log lines")

	turnSharedSecret := fs.String("turn-rest-shared-secret", envOrDefault(lookup, EnvTURNRESTSharedSecret, ""), "coturn REST shared secret; empty disables TURN REST credential vending")
	turnTTLSeconds, err := envInt64OrDefault(lookup, EnvTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	turnTTLSecondsFlag := fs.Int64("turn-rest-ttl-seconds", turnTTLSeconds, "TURN REST credential TTL")
	turnUsernamePrefix := fs.String("turn-rest-username-prefix", envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix), "TURN REST username prefix")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	parsedMode, err := parseMode(*mode)
	if err != nil {
		return Config{}, err
	}
	parsedLogFormat, err := parseLogFormat(*logFormat)
	if err != nil {
		return Config{}, err
	}
	parsedLogLevel, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	parsedAuthMode, err := parseAuthMode(*authMode)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(*listenAddr) == "" {
		return Config{}, fmt.Errorf("listen-addr must not be empty")
	}
	if *dataChannelsPerPeerFlag <= 0 {
		return Config{}, fmt.Errorf("data-channels-per-peer must be > 0")
	}
	if *chunkSizeBytesFlag <= 0 {
		return Config{}, fmt.Errorf("chunk-size-bytes must be > 0")
	}
	if parsedAuthMode == AuthModeAPIKey && strings.TrimSpace(*apiKey) == "" {
		return Config{}, fmt.Errorf("auth-mode=api_key requires api-key to be set")
	}
	if parsedAuthMode == AuthModeJWT && strings.TrimSpace(*jwtSecret) == "" {
		return Config{}, fmt.Errorf("auth-mode=jwt requires jwt-secret to be set")
	}

	return Config{
		ListenAddr:      *listenAddr,
		PublicBaseURL:   *publicBaseURL,
		LogFormat:       parsedLogFormat,
		LogLevel:        parsedLogLevel,
		ShutdownTimeout: *shutdownTimeoutFlag,
		Mode:            parsedMode,

		AuthMode:  parsedAuthMode,
		APIKey:    *apiKey,
		JWTSecret: *jwtSecret,

		RegistrationTimeout:        *registrationTimeoutFlag,
		PeerConnectionReadyTimeout: *peerReadyTimeoutFlag,
		RPCTimeout:                 *rpcTimeoutFlag,

		BackoffInitial: *backoffInitialFlag,
		BackoffMax:     *backoffMaxFlag,

		DataChannelsPerPeer: *dataChannelsPerPeerFlag,
		ChunkSizeBytes:      *chunkSizeBytesFlag,
		MaxObjectSizeBytes:  *maxObjectSizeBytesFlag,

		MaxSignalingMessageBytes:      *maxSignalingMessageBytesFlag,
		MaxSignalingMessagesPerSecond: *maxSignalingMessagesPerSecondFlag,

		PeriodicLogInterval: *periodicLogIntervalFlag,

		TURNREST: TURNRESTConfig{
			SharedSecret:   *turnSharedSecret,
			TTLSeconds:     *turnTTLSecondsFlag,
			UsernamePrefix: *turnUsernamePrefix,
		},
	}, nil
}

// NewLogger builds the process-wide structured logger per cfg.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeDev, ModeProd:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("invalid mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(raw) {
	case LogFormatText, LogFormatJSON:
		return LogFormat(raw), nil
	default:
		return "", fmt.Errorf("invalid log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(raw) {
	case AuthModeNone, AuthModeAPIKey, AuthModeJWT:
		return AuthMode(raw), nil
	default:
		return "", fmt.Errorf("invalid auth mode %q", raw)
	}
}
