package config

import (
	"fmt"
	"strings"
	"time"

	"dev.c0redev.tcprouter/internal/client"
	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/transport"
)

type clientFile struct {
	Addr             string `toml:"addr" yaml:"addr"`
	Secret           string `toml:"secret" yaml:"secret"`
	Name             string `toml:"name" yaml:"name"`
	AutoReconnect    bool   `toml:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay   string `toml:"reconnect_delay" yaml:"reconnect_delay"`
	RequestTimeout   string `toml:"request_timeout" yaml:"request_timeout"`
	MaxPending       int    `toml:"max_pending" yaml:"max_pending"`
	KeepAlive        bool   `toml:"keep_alive" yaml:"keep_alive"`
	ProbeAddr        string `toml:"probe_addr" yaml:"probe_addr"`
	ProbeInterval    string `toml:"probe_interval" yaml:"probe_interval"`
	Suite            string `toml:"suite" yaml:"suite"`
	PostQuantum      bool   `toml:"post_quantum" yaml:"post_quantum"`
	Transport        string `toml:"transport" yaml:"transport"`
	DialTimeout      string `toml:"dial_timeout" yaml:"dial_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	MaxFrameSize     uint32 `toml:"max_frame_size" yaml:"max_frame_size"`
	LogLevel         string `toml:"log_level" yaml:"log_level"`
}

// ClientSettings is a client.Config plus command-level options.
type ClientSettings struct {
	Client client.Config
	// ProbeAddr enables a DialProber against this address when set.
	ProbeAddr string
	LogLevel  string
}

// DefaultClient returns the settings used when no file is given.
func DefaultClient() ClientSettings {
	return ClientSettings{Client: client.DefaultConfig(), LogLevel: "info"}
}

// LoadClient overlays path onto DefaultClient. An empty path only applies the environment.
func LoadClient(path string) (ClientSettings, error) {
	s := DefaultClient()
	if path != "" {
		var raw clientFile
		defined, err := decode(path, &raw)
		if err != nil {
			return ClientSettings{}, fmt.Errorf("load client config: %w", err)
		}
		if err := applyClient(&s, &raw, defined); err != nil {
			return ClientSettings{}, fmt.Errorf("load client config: %w", err)
		}
	}
	s.Client.Secret = secretOverride(s.Client.Secret)
	if s.ProbeAddr != "" && s.Client.Prober == nil {
		s.Client.Prober = client.DialProber{Addr: s.ProbeAddr}
	}
	return s, nil
}

func applyClient(s *ClientSettings, raw *clientFile, defined definedFunc) error {
	cfg := &s.Client
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"probe_interval", raw.ProbeInterval, &cfg.ProbeInterval},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if defined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if defined("secret") {
		cfg.Secret = raw.Secret
	}
	if defined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if defined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	if defined("max_pending") {
		if raw.MaxPending < 0 {
			return fmt.Errorf("max_pending must be >= 0")
		}
		cfg.MaxPending = raw.MaxPending
	}
	if defined("keep_alive") {
		cfg.KeepAlive = raw.KeepAlive
	}
	if defined("probe_addr") {
		s.ProbeAddr = strings.TrimSpace(raw.ProbeAddr)
	}
	if defined("suite") {
		suite, err := crypto.ParseSuite(raw.Suite)
		if err != nil {
			return err
		}
		cfg.Suite = suite
	}
	if defined("post_quantum") {
		cfg.PostQuantum = raw.PostQuantum
	}
	if defined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return err
		}
		cfg.Transport = kind
	}
	if defined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if defined("log_level") {
		s.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}
