package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.c0redev.tcprouter/internal/client"
	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/transport"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerExample(t *testing.T) {
	s, err := LoadServer(filepath.Join("..", "..", "configs", "server.example.toml"))
	require.NoError(t, err)
	cfg := s.Server
	require.Equal(t, "127.0.0.1:9400", cfg.Addr)
	require.Equal(t, "change-me", cfg.Secret)
	require.Len(t, cfg.Whitelist, 2)
	require.Equal(t, 256, cfg.MaxConnections)
	require.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	require.Equal(t, uint32(1<<20), cfg.MaxFrameSize)
	require.Equal(t, "tcprouter.db", s.DB)
}

func TestLoadServerKeepsDefaults(t *testing.T) {
	s, err := LoadServer(writeFile(t, "s.toml", `addr = "0.0.0.0:1"`+"\n"))
	require.NoError(t, err)
	def := DefaultServer()
	require.Equal(t, "0.0.0.0:1", s.Server.Addr)
	require.Equal(t, def.Server.HandshakeTimeout, s.Server.HandshakeTimeout)
	require.Equal(t, def.Server.MaxFrameSize, s.Server.MaxFrameSize)
	require.Equal(t, transport.TCP, s.Server.Transport)
	require.Equal(t, "info", s.LogLevel)
}

func TestLoadServerYAML(t *testing.T) {
	path := writeFile(t, "s.yaml", "suite: chacha20-poly1305\ntransport: quic\nprefix: api.\nmax_frame_size: 0\n")
	s, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, crypto.SuiteChaCha20Poly1305, s.Server.Suite)
	require.Equal(t, transport.QUIC, s.Server.Transport)
	require.Equal(t, "api.", s.Server.Prefix)
	require.Zero(t, s.Server.MaxFrameSize, "explicit zero overrides the default")
}

func TestLoadServerErrors(t *testing.T) {
	cases := map[string]string{
		"bad.toml":    `handshake_timeout = "soon"`,
		"suite.toml":  `suite = "rot13"`,
		"neg.toml":    `max_connections = -1`,
		"kind.yaml":   "transport: carrier-pigeon\n",
		"typo.yaml":   "adr: 1.2.3.4:5\n",
		"config.json": `{}`,
	}
	for name, body := range cases {
		_, err := LoadServer(writeFile(t, name, body))
		require.Error(t, err, name)
	}
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv(SecretEnv, "from-env")
	s, err := LoadServer(writeFile(t, "s.toml", `secret = "from-file"`))
	require.NoError(t, err)
	require.Equal(t, "from-env", s.Server.Secret)

	c, err := LoadClient("")
	require.NoError(t, err)
	require.Equal(t, "from-env", c.Client.Secret)
}

func TestLoadClientExample(t *testing.T) {
	s, err := LoadClient(filepath.Join("..", "..", "configs", "client.example.yaml"))
	require.NoError(t, err)
	cfg := s.Client
	require.Equal(t, "example-client", cfg.Name)
	require.True(t, cfg.AutoReconnect)
	require.True(t, cfg.KeepAlive)
	require.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout)
	require.Equal(t, 5*time.Second, cfg.ProbeInterval)
	require.Equal(t, 3*time.Second, cfg.DialTimeout)
	require.Equal(t, 128, cfg.MaxPending)

	p, ok := cfg.Prober.(client.DialProber)
	require.True(t, ok, "prober %#v", cfg.Prober)
	require.Equal(t, "1.1.1.1:53", p.Addr)
}

func TestLoadClientTOML(t *testing.T) {
	path := writeFile(t, "c.toml", "auto_reconnect = false\npost_quantum = true\nhandshake_timeout = \"1s\"\n")
	s, err := LoadClient(path)
	require.NoError(t, err)
	require.False(t, s.Client.AutoReconnect)
	require.True(t, s.Client.PostQuantum)
	require.Equal(t, time.Second, s.Client.HandshakeTimeout)
	require.Nil(t, s.Client.Prober)
	require.Equal(t, client.DefaultConfig().MaxPending, s.Client.MaxPending)
}
