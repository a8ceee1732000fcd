package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/handshake"
	"dev.c0redev.tcprouter/internal/proto"
	"dev.c0redev.tcprouter/internal/server/router"
)

const testSecret = "test-secret"

func testConfig(t *testing.T) Config {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Secret = testSecret
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Logger = &logger
	cfg.MetricSink = &metrics.BlackholeSink{}
	return cfg
}

func echo(_ context.Context, c *router.Context, next router.Next) error {
	c.SetBody(c.Request)
	return next()
}

func startServer(t *testing.T, cfg Config) (*Server, <-chan events.Notification) {
	t.Helper()
	s := New(cfg)
	s.Handle("/echo", echo)
	notes := make(chan events.Notification, 64)
	s.Observe(func(n events.Notification) {
		select {
		case notes <- n:
		default:
		}
	})
	require.NoError(t, s.Listen())
	t.Cleanup(func() { _ = s.Close() })
	return s, notes
}

type rawConn struct {
	net.Conn
	br  *bufio.Reader
	env *crypto.Envelope
}

func dialRaw(t *testing.T, s *Server, secret string) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(nc)
	res, err := handshake.Initiate(br, nc, handshake.Options{Secret: secret, Name: "raw"})
	require.NoError(t, err)
	env, err := crypto.NewEnvelope(crypto.SuiteAES256GCM, res.KeyMaterial(secret))
	require.NoError(t, err)
	return &rawConn{Conn: nc, br: br, env: env}
}

func (c *rawConn) request(t *testing.T, id, route string, body any) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	plain, err := json.Marshal(proto.Request{UUID: id, Route: route, Body: raw})
	require.NoError(t, err)
	sealed, err := c.env.Seal(plain)
	require.NoError(t, err)
	return proto.AppendFrame(nil, sealed)
}

func (c *rawConn) readResponse(t *testing.T) proto.Response {
	t.Helper()
	var hdr [proto.HeaderSize]byte
	_, err := io.ReadFull(c.br, hdr[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(c.br, payload)
	require.NoError(t, err)
	plain, err := c.env.Open(payload)
	require.NoError(t, err)
	var resp proto.Response
	require.NoError(t, json.Unmarshal(plain, &resp))
	return resp
}

func waitEvent(t *testing.T, notes <-chan events.Notification, want events.Event) events.Notification {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n := <-notes:
			if n.Event == want {
				return n
			}
		case <-timeout:
			require.FailNowf(t, "missing event", "no %s event", want)
		}
	}
}

func TestServerEcho(t *testing.T) {
	s, notes := startServer(t, testConfig(t))
	waitEvent(t, notes, events.Listening)

	c := dialRaw(t, s, testSecret)
	n := waitEvent(t, notes, events.Connect)
	require.Equal(t, "raw", n.Name)

	_, err := c.Write(c.request(t, "id-1", " /ECHO ", map[string]int{"ping": 1}))
	require.NoError(t, err)
	resp := c.readResponse(t)
	require.Equal(t, "id-1", resp.UUID)
	require.Empty(t, resp.Error)
	require.JSONEq(t, `{"ping":1}`, string(resp.Body))
	require.Equal(t, 1, s.Connections())

	c.Close()
	waitEvent(t, notes, events.Close)
	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerRouteNotFound(t *testing.T) {
	s, _ := startServer(t, testConfig(t))
	c := dialRaw(t, s, testSecret)

	_, err := c.Write(c.request(t, "id-2", "/nope", nil))
	require.NoError(t, err)
	resp := c.readResponse(t)
	require.Equal(t, "id-2", resp.UUID)
	require.Equal(t, "route /nope not found", resp.Error)
	require.Empty(t, resp.Body)

	// the connection survives application errors
	_, err = c.Write(c.request(t, "id-3", "/echo", "again"))
	require.NoError(t, err)
	require.JSONEq(t, `"again"`, string(c.readResponse(t).Body))
}

func TestServerHandlerErrors(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg)
	s.Handle("/unset", func(_ context.Context, _ *router.Context, next router.Next) error { return next() })
	s.Handle("/twice", func(_ context.Context, c *router.Context, next router.Next) error {
		c.SetBody(1)
		_ = next()
		return next()
	})
	require.NoError(t, s.Listen())
	t.Cleanup(func() { _ = s.Close() })
	c := dialRaw(t, s, testSecret)

	_, err := c.Write(c.request(t, "a", "/unset", nil))
	require.NoError(t, err)
	require.Equal(t, router.ErrIncomplete.Error(), c.readResponse(t).Error)

	_, err = c.Write(c.request(t, "b", "/twice", nil))
	require.NoError(t, err)
	require.Equal(t, router.ErrMultipleNext.Error(), c.readResponse(t).Error)
}

func TestServerPipelinedRequestsInOrder(t *testing.T) {
	s, _ := startServer(t, testConfig(t))
	c := dialRaw(t, s, testSecret)

	var batch []byte
	for _, id := range []string{"1", "2", "3"} {
		batch = append(batch, c.request(t, id, "/echo", id)...)
	}
	_, err := c.Write(batch)
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		resp := c.readResponse(t)
		require.Equal(t, id, resp.UUID)
	}
}

func TestServerDropsBadFrames(t *testing.T) {
	s, _ := startServer(t, testConfig(t))
	c := dialRaw(t, s, testSecret)

	wrong, err := crypto.NewEnvelope(crypto.SuiteAES256GCM, "other-key")
	require.NoError(t, err)
	forged, err := wrong.Seal([]byte(`{"uuid":"x","rout":"/echo","body":1}`))
	require.NoError(t, err)
	notJSON, err := c.env.Seal([]byte("not json"))
	require.NoError(t, err)

	var batch []byte
	batch = proto.AppendFrame(batch, forged)
	batch = proto.AppendFrame(batch, []byte("garbage"))
	batch = proto.AppendFrame(batch, notJSON)
	batch = append(batch, c.request(t, "ok", "/echo", 2)...)
	_, err = c.Write(batch)
	require.NoError(t, err)

	resp := c.readResponse(t)
	require.Equal(t, "ok", resp.UUID)
}

func TestServerSecretMismatchDropsRequests(t *testing.T) {
	s, _ := startServer(t, testConfig(t))
	c := dialRaw(t, s, "wrong-secret")

	_, err := c.Write(c.request(t, "x", "/echo", 1))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = c.br.ReadByte()
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())
}

func TestServerWhitelistRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Whitelist = []string{"10.9.8.7"}
	s, notes := startServer(t, cfg)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	n := waitEvent(t, notes, events.ErrorWhitelist)
	require.ErrorIs(t, n.Err, ErrAdmission)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = nc.Read(make([]byte, 1))
	require.Error(t, err)
	require.Zero(t, s.Connections())
}

func TestServerWhitelistAdmits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Whitelist = []string{"::ffff:127.0.0.1"}
	s, _ := startServer(t, cfg)
	c := dialRaw(t, s, testSecret)
	_, err := c.Write(c.request(t, "w", "/echo", true))
	require.NoError(t, err)
	require.Equal(t, "w", c.readResponse(t).UUID)
}

func TestServerMaxConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	s, notes := startServer(t, cfg)

	first := dialRaw(t, s, testSecret)
	waitEvent(t, notes, events.Connect)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	n := waitEvent(t, notes, events.ErrorMaxConnections)
	require.ErrorIs(t, n.Err, ErrMaxConnections)

	first.Close()
	waitEvent(t, notes, events.Close)
	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	dialRaw(t, s, testSecret)
}

func TestServerMalformedHandshake(t *testing.T) {
	s, notes := startServer(t, testConfig(t))
	waitEvent(t, notes, events.Listening)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write([]byte("definitely not json\n"))
	require.NoError(t, err)
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = nc.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case n := <-notes:
		require.FailNowf(t, "unexpected event", "%s", n.Event)
	default:
	}
}

func TestServerPostQuantumRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequirePostQuantum = true
	s, _ := startServer(t, cfg)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = handshake.Initiate(bufio.NewReader(nc), nc, handshake.Options{Secret: testSecret})
	require.Error(t, err)

	nc2, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc2.Close()
	require.NoError(t, nc2.SetDeadline(time.Now().Add(5*time.Second)))
	res, err := handshake.Initiate(bufio.NewReader(nc2), nc2, handshake.Options{Secret: testSecret, PostQuantum: true})
	require.NoError(t, err)
	require.True(t, res.Hybrid)
}

func TestServerCloseAndRelisten(t *testing.T) {
	s, notes := startServer(t, testConfig(t))
	addr := s.Addr().String()
	c := dialRaw(t, s, testSecret)
	waitEvent(t, notes, events.Connect)

	require.NoError(t, s.Close())
	require.Nil(t, s.Addr())
	require.ErrorIs(t, s.Close(), ErrNotListening)
	waitEvent(t, notes, events.Close)
	_, err := c.br.ReadByte()
	require.Error(t, err)

	require.NoError(t, s.Listen())
	require.Equal(t, addr, s.Addr().String())
	require.ErrorIs(t, s.Listen(), ErrListening)
	dialRaw(t, s, testSecret)
}

func TestServerIdleTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 100 * time.Millisecond
	s, notes := startServer(t, cfg)
	c := dialRaw(t, s, testSecret)
	waitEvent(t, notes, events.Connect)
	waitEvent(t, notes, events.Close)
	_, err := c.br.ReadByte()
	require.Error(t, err)
}

func TestServerMaxFrameSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameSize = 64
	s, notes := startServer(t, cfg)
	c := dialRaw(t, s, testSecret)

	_, err := c.Write(c.request(t, "big", "/echo", string(make([]byte, 256))))
	require.NoError(t, err)
	n := waitEvent(t, notes, events.Error)
	require.ErrorIs(t, n.Err, proto.ErrFrameTooLarge)
}

func TestServerHandlerPanicBecomesResponseError(t *testing.T) {
	s, notes := startServer(t, testConfig(t))
	s.Handle("/crash", func(_ context.Context, c *router.Context, next router.Next) error {
		var m map[string]int
		m["x"] = 1
		return next()
	})

	c := dialRaw(t, s, testSecret)
	other := dialRaw(t, s, testSecret)

	_, err := c.Write(c.request(t, "p-1", "/crash", nil))
	require.NoError(t, err)
	resp := c.readResponse(t)
	require.Equal(t, "p-1", resp.UUID)
	require.Contains(t, resp.Error, "handler panic")
	require.Empty(t, resp.Body)

	_, err = c.Write(c.request(t, "p-2", "/echo", "still here"))
	require.NoError(t, err)
	resp = c.readResponse(t)
	require.Equal(t, "p-2", resp.UUID)
	require.Empty(t, resp.Error)
	require.JSONEq(t, `"still here"`, string(resp.Body))

	_, err = other.Write(other.request(t, "o-1", "/echo", 7))
	require.NoError(t, err)
	resp = other.readResponse(t)
	require.JSONEq(t, `7`, string(resp.Body))

	for {
		select {
		case n := <-notes:
			require.NotEqual(t, events.Close, n.Event)
			continue
		default:
		}
		break
	}
	require.Equal(t, 2, s.Connections())
}

func TestNormalizeHost(t *testing.T) {
	require.Equal(t, "127.0.0.1", normalizeHost("::ffff:127.0.0.1"))
	require.Equal(t, "::1", normalizeHost("[::1]"))
	require.Equal(t, "10.0.0.1", normalizeHost(" 10.0.0.1 "))
	require.Equal(t, "example.com", normalizeHost("Example.com"))
	require.Equal(t, "127.0.0.1", peerHost(&net.TCPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 9}))
}
