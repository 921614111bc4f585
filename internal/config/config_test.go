package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, nil)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %s, want :8080", cfg.Addr)
	}
	if cfg.DownloadDir != "./downloads" {
		t.Errorf("DownloadDir = %s, want ./downloads", cfg.DownloadDir)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
	if cfg.InactivityTimeout != DefaultInactivityTimeout {
		t.Errorf("InactivityTimeout = %s, want %s", cfg.InactivityTimeout, DefaultInactivityTimeout)
	}
	if cfg.SerializeTransfers {
		t.Error("SerializeTransfers should default to false")
	}
	if cfg.QUICAddr != "" {
		t.Errorf("QUICAddr = %s, want empty", cfg.QUICAddr)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Setenv("PULLSTREAM_ADDR", ":9999")
	os.Setenv("PULLSTREAM_LOG_LEVEL", "debug")
	defer os.Unsetenv("PULLSTREAM_ADDR")
	defer os.Unsetenv("PULLSTREAM_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-addr", ":7777"})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if cfg.Addr != ":7777" {
		t.Errorf("Addr = %s, want :7777 (flag should override env)", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug (from env)", cfg.LogLevel)
	}
}

func TestParseServerConfig_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pullserv.toml")
	content := `
addr = ":6060"
download_dir = "/srv/pulls"
chunk_size = 262144
inactivity_timeout = "45s"
serialize_transfers = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, []string{"-config", path, "-addr", ":6061"})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if cfg.Addr != ":6061" {
		t.Errorf("Addr = %s, want :6061 (flag should override file)", cfg.Addr)
	}
	if cfg.DownloadDir != "/srv/pulls" {
		t.Errorf("DownloadDir = %s, want /srv/pulls", cfg.DownloadDir)
	}
	if cfg.ChunkSize != 262144 {
		t.Errorf("ChunkSize = %d, want 262144", cfg.ChunkSize)
	}
	if cfg.InactivityTimeout != 45*time.Second {
		t.Errorf("InactivityTimeout = %s, want 45s", cfg.InactivityTimeout)
	}
	if !cfg.SerializeTransfers {
		t.Error("SerializeTransfers should be true from file")
	}
}

func TestParseServerConfig_QUICRequiresCertAndKey(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseServerConfigWithFlagSet(fs, []string{"-quic-addr", ":4433", "-tls-cert", "cert.pem"})
	if err == nil {
		t.Fatal("expected error when cert is given without key")
	}
}

func TestParseAgentConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseAgentConfigWithFlagSet(fs, []string{
		"-client-id", "restaurant-001",
		"-server", "http://example.com:8080",
		"-chunk-size", "65536",
	})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	if cfg.ClientID != "restaurant-001" {
		t.Errorf("ClientID = %s, want restaurant-001", cfg.ClientID)
	}
	if cfg.ServerURL != "http://example.com:8080" {
		t.Errorf("ServerURL = %s, want http://example.com:8080", cfg.ServerURL)
	}
	if cfg.ChunkSize != 65536 {
		t.Errorf("ChunkSize = %d, want 65536", cfg.ChunkSize)
	}
	if cfg.Transport != "ws" {
		t.Errorf("Transport = %s, want ws", cfg.Transport)
	}
	if cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %s, want %s", cfg.ReconnectDelay, DefaultReconnectDelay)
	}
}

func TestParseAgentConfig_RequiresClientID(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseAgentConfigWithFlagSet(fs, nil)
	if err == nil {
		t.Fatal("expected error when client id is missing")
	}
}

func TestParseAgentConfig_InvalidTransport(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseAgentConfigWithFlagSet(fs, []string{"-client-id", "a", "-transport", "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
