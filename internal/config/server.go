package config

import (
	"fmt"
	"strings"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/server"
	"dev.c0redev.tcprouter/internal/transport"
)

type serverFile struct {
	Addr               string   `toml:"addr" yaml:"addr"`
	Secret             string   `toml:"secret" yaml:"secret"`
	Whitelist          []string `toml:"whitelist" yaml:"whitelist"`
	MaxConnections     int      `toml:"max_connections" yaml:"max_connections"`
	Prefix             string   `toml:"prefix" yaml:"prefix"`
	Suite              string   `toml:"suite" yaml:"suite"`
	RequirePostQuantum bool     `toml:"require_post_quantum" yaml:"require_post_quantum"`
	HandshakeTimeout   string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	IdleTimeout        string   `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxFrameSize       uint32   `toml:"max_frame_size" yaml:"max_frame_size"`
	Transport          string   `toml:"transport" yaml:"transport"`
	TLSCert            string   `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey             string   `toml:"tls_key" yaml:"tls_key"`
	DB                 string   `toml:"db" yaml:"db"`
	TokenHash          string   `toml:"token_hash" yaml:"token_hash"`
	LogLevel           string   `toml:"log_level" yaml:"log_level"`
}

// ServerSettings is a server.Config plus the command-level options around it.
type ServerSettings struct {
	Server server.Config
	// TLSCert/TLSKey for QUIC; empty generates a self-signed certificate.
	TLSCert string
	TLSKey  string
	// DB is the SQLite audit/token database path; empty disables it.
	DB string
	// TokenHash is a bcrypt hash guarding the protected demo routes.
	TokenHash string
	LogLevel  string
}

// DefaultServer returns the settings used when no file is given.
func DefaultServer() ServerSettings {
	return ServerSettings{Server: server.DefaultConfig(), LogLevel: "info"}
}

// LoadServer overlays path onto DefaultServer. An empty path only applies the environment.
func LoadServer(path string) (ServerSettings, error) {
	s := DefaultServer()
	if path != "" {
		var raw serverFile
		defined, err := decode(path, &raw)
		if err != nil {
			return ServerSettings{}, fmt.Errorf("load server config: %w", err)
		}
		if err := applyServer(&s, &raw, defined); err != nil {
			return ServerSettings{}, fmt.Errorf("load server config: %w", err)
		}
	}
	s.Server.Secret = secretOverride(s.Server.Secret)
	return s, nil
}

func applyServer(s *ServerSettings, raw *serverFile, defined definedFunc) error {
	cfg := &s.Server
	if defined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if defined("secret") {
		cfg.Secret = raw.Secret
	}
	if defined("whitelist") {
		cfg.Whitelist = normalizeList(raw.Whitelist)
	}
	if defined("max_connections") {
		if raw.MaxConnections < 0 {
			return fmt.Errorf("max_connections must be >= 0")
		}
		cfg.MaxConnections = raw.MaxConnections
	}
	if defined("prefix") {
		cfg.Prefix = raw.Prefix
	}
	if defined("suite") {
		suite, err := crypto.ParseSuite(raw.Suite)
		if err != nil {
			return err
		}
		cfg.Suite = suite
	}
	if defined("require_post_quantum") {
		cfg.RequirePostQuantum = raw.RequirePostQuantum
	}
	if defined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = d
	}
	if defined("idle_timeout") {
		d, err := parseDuration("idle_timeout", raw.IdleTimeout)
		if err != nil {
			return err
		}
		cfg.IdleTimeout = d
	}
	if defined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if defined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return err
		}
		cfg.Transport = kind
	}
	if defined("tls_cert") {
		s.TLSCert = strings.TrimSpace(raw.TLSCert)
	}
	if defined("tls_key") {
		s.TLSKey = strings.TrimSpace(raw.TLSKey)
	}
	if defined("db") {
		s.DB = strings.TrimSpace(raw.DB)
	}
	if defined("token_hash") {
		s.TokenHash = strings.TrimSpace(raw.TokenHash)
	}
	if defined("log_level") {
		s.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}
