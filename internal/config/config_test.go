package config

import "testing"

func fakeLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(fakeLookup(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat = %q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.DataChannelsPerPeer != DefaultDataChannelsPerPeer {
		t.Fatalf("DataChannelsPerPeer = %d, want %d", cfg.DataChannelsPerPeer, DefaultDataChannelsPerPeer)
	}
}

func TestLoadProdModeDefaultsJSONLogging(t *testing.T) {
	cfg, err := load(fakeLookup(map[string]string{EnvMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q, want json in prod mode", cfg.LogFormat)
	}
	if cfg.LogLevel.String() != "INFO" {
		t.Fatalf("LogLevel = %v, want info in prod mode", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{EnvListenAddr: "0.0.0.0:1"}
	cfg, err := load(fakeLookup(env), []string{"-listen-addr", "127.0.0.1:9999"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("ListenAddr = %q, want flag to win", cfg.ListenAddr)
	}
}

func TestLoadRejectsAPIKeyModeWithoutKey(t *testing.T) {
	_, err := load(fakeLookup(map[string]string{EnvAuthMode: "api_key"}), nil)
	if err == nil {
		t.Fatalf("expected error for auth-mode=api_key without api-key")
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	_, err := load(fakeLookup(nil), []string{"-mode", "bogus"})
	if err == nil {
		t.Fatalf("expected error for invalid mode")
	}
}

func TestLoadRejectsZeroChunkSize(t *testing.T) {
	_, err := load(fakeLookup(nil), []string{"-chunk-size-bytes", "0"})
	if err == nil {
		t.Fatalf("expected error for zero chunk size")
	}
}
