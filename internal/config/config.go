package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults shared by both binaries.
const (
	DefaultChunkSize         = 1024 * 1024 // 1 MiB
	DefaultInactivityTimeout = 30 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// ServerConfig holds configuration for the pullserv binary.
type ServerConfig struct {
	Addr               string        `toml:"addr"`
	QUICAddr           string        `toml:"quic_addr"`
	TLSCertFile        string        `toml:"tls_cert_file"`
	TLSKeyFile         string        `toml:"tls_key_file"`
	DownloadDir        string        `toml:"download_dir"`
	JournalPath        string        `toml:"journal_path"`
	LogLevel           string        `toml:"log_level"`
	ChunkSize          int           `toml:"chunk_size"`
	InactivityTimeout  time.Duration `toml:"-"`
	SerializeTransfers bool          `toml:"serialize_transfers"`

	// Raw string value for TOML unmarshaling.
	InactivityTimeoutRaw string `toml:"inactivity_timeout"`
}

// AgentConfig holds configuration for the pullagent binary.
type AgentConfig struct {
	ServerURL      string
	ClientID       string
	Transport      string // "ws" or "quic"
	ChunkSize      int
	LogLevel       string
	ReconnectDelay time.Duration
	Insecure       bool // QUIC only: skip TLS certificate verification
}

// ParseServerConfig parses server configuration from an optional TOML file,
// environment variables, and flags. Flags take precedence over the
// environment, which takes precedence over the file.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:              ":8080",
		DownloadDir:       "./downloads",
		LogLevel:          "info",
		ChunkSize:         DefaultChunkSize,
		InactivityTimeout: DefaultInactivityTimeout,
	}

	// Config file first, lowest precedence after defaults.
	path := configFilePath(args)
	if path != "" {
		if err := loadServerFile(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	// Environment next.
	if addr := os.Getenv("PULLSTREAM_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr := os.Getenv("PULLSTREAM_QUIC_ADDR"); addr != "" {
		cfg.QUICAddr = addr
	}
	if dir := os.Getenv("PULLSTREAM_DOWNLOAD_DIR"); dir != "" {
		cfg.DownloadDir = dir
	}
	if p := os.Getenv("PULLSTREAM_JOURNAL_PATH"); p != "" {
		cfg.JournalPath = p
	}
	if logLevel := os.Getenv("PULLSTREAM_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override everything.
	var configFlag string
	fs.StringVar(&configFlag, "config", path, "path to TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address (control plane + websocket data plane)")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables the QUIC data plane)")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file for the QUIC listener")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS key file for the QUIC listener")
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "directory for received files")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "SQLite journal path (empty disables the journal)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "expected chunk size in bytes (sizes the websocket read limit)")
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "fail a transfer after this long without a chunk")
	fs.BoolVar(&cfg.SerializeTransfers, "serialize-transfers", cfg.SerializeTransfers, "allow at most one active transfer per agent")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity timeout must be positive, got %s", c.InactivityTimeout)
	}
	if c.QUICAddr != "" && (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be provided together")
	}
	return nil
}

// configFilePath extracts the -config flag value before the full flag parse,
// so the file can seed defaults that later flags override. Falls back to the
// PULLSTREAM_CONFIG environment variable.
func configFilePath(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		}
	}
	return os.Getenv("PULLSTREAM_CONFIG")
}

func loadServerFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.InactivityTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.InactivityTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_timeout: %w", err)
		}
		cfg.InactivityTimeout = d
	}
	return nil
}

// ParseAgentConfig parses agent configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseAgentConfig() (AgentConfig, error) {
	return parseAgentConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseAgentConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseAgentConfigWithFlagSet(fs *flag.FlagSet, args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:      "http://localhost:8080",
		Transport:      "ws",
		ChunkSize:      DefaultChunkSize,
		LogLevel:       "info",
		ReconnectDelay: DefaultReconnectDelay,
	}

	if serverURL := os.Getenv("PULLSTREAM_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if clientID := os.Getenv("PULLSTREAM_CLIENT_ID"); clientID != "" {
		cfg.ClientID = clientID
	}
	if logLevel := os.Getenv("PULLSTREAM_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "server URL")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "unique client identifier (e.g. site name)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "data plane transport: ws or quic")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay between reconnect attempts")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS verification on the QUIC transport")
	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	if cfg.ClientID == "" {
		return AgentConfig{}, fmt.Errorf("client id is required")
	}
	if cfg.Transport != "ws" && cfg.Transport != "quic" {
		return AgentConfig{}, fmt.Errorf("transport must be ws or quic, got %q", cfg.Transport)
	}
	if cfg.ChunkSize <= 0 {
		return AgentConfig{}, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	return cfg, nil
}
