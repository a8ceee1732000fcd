package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/handshake"
	"dev.c0redev.tcprouter/internal/observability"
	"dev.c0redev.tcprouter/internal/proto"
	"dev.c0redev.tcprouter/internal/server/router"
)

const readChunk = 32 * 1024

// conn is one admitted stream. Requests on it are dispatched sequentially, so
// responses leave in arrival order.
type conn struct {
	srv  *Server
	nc   net.Conn
	addr string
	log  zerolog.Logger
	// slog carries session fields; owned by the serve goroutine.
	slog zerolog.Logger

	mu          sync.Mutex
	name        string
	secret      string
	env         *crypto.Envelope
	established bool
	closeOnce   sync.Once
}

func newConn(s *Server, nc net.Conn, addr string) *conn {
	return &conn{
		srv:  s,
		nc:   nc,
		addr: addr,
		log:  s.log.With().Str("addr", addr).Logger(),
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.close()
	cfg := c.srv.cfg

	br := bufio.NewReaderSize(c.nc, readChunk)
	if cfg.HandshakeTimeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	res, err := handshake.Respond(br, c.nc, handshake.Options{
		Secret:      cfg.Secret,
		PostQuantum: cfg.RequirePostQuantum,
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("handshake failed")
		c.srv.sink.IncrCounter(observability.MetricServerHandshakeErrors, 1)
		return
	}
	_ = c.nc.SetDeadline(time.Time{})

	env, err := crypto.NewEnvelope(cfg.Suite, res.KeyMaterial(cfg.Secret))
	if err != nil {
		c.log.Error().Err(err).Msg("envelope")
		return
	}
	c.mu.Lock()
	c.name = res.PeerName
	c.secret = res.Secret
	c.env = env
	c.established = true
	c.mu.Unlock()

	c.slog = c.log.With().Str("peer", res.PeerName).Str("session", res.Fingerprint).Logger()
	c.slog.Info().Bool("hybrid", res.Hybrid).Msg("connected")
	c.srv.sink.IncrCounter(observability.MetricServerConnCount, 1)
	c.srv.emit(events.Notification{Event: events.Connect, Addr: c.addr, Name: res.PeerName})

	if err := c.readLoop(ctx, br, env); err != nil {
		c.slog.Debug().Err(err).Msg("connection error")
		c.srv.emit(events.Notification{Event: events.Error, Addr: c.addr, Name: res.PeerName, Err: err})
	}
}

// readLoop feeds the frame assembler until the stream ends. A nil return means
// the peer or the server closed the stream.
func (c *conn) readLoop(ctx context.Context, r io.Reader, env *crypto.Envelope) error {
	asm := proto.Assembler{MaxPayload: c.srv.cfg.MaxFrameSize}
	defer asm.Reset()
	buf := make([]byte, readChunk)
	idle := c.srv.cfg.IdleTimeout
	for {
		if idle > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(idle))
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			for payload, err := range asm.Feed(buf[:n]) {
				if err != nil {
					return err
				}
				if err := c.handle(ctx, env, payload); err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			if left := asm.Buffered(); left > 0 {
				c.slog.Debug().Int("bytes", left).Msg("partial frame discarded")
			}
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return rerr
		}
	}
}

// handle dispatches one frame. Undecryptable or unparseable frames are dropped;
// only a failed write is returned.
func (c *conn) handle(ctx context.Context, env *crypto.Envelope, payload []byte) error {
	sink := c.srv.sink
	plain, err := env.Open(payload)
	if err != nil {
		c.slog.Debug().Err(err).Msg("dropping frame")
		sink.IncrCounter(observability.MetricServerDecryptDrops, 1)
		return nil
	}
	var req proto.Request
	if err := json.Unmarshal(plain, &req); err != nil || req.UUID == "" {
		c.slog.Debug().Err(err).Msg("dropping malformed request")
		sink.IncrCounter(observability.MetricServerDecryptDrops, 1)
		return nil
	}

	start := time.Now()
	route := c.srv.router.Normalize(req.Route)
	peer := c.peerName()
	labels := []metrics.Label{observability.LabelRoute.M(route)}
	sink.IncrCounterWithLabels(observability.MetricServerRequestCount, 1,
		append(labels, observability.LabelPeer.M(peer)))

	resp := proto.Response{UUID: req.UUID}
	body, err := c.srv.router.Execute(ctx, req.Route, req.Body, peer, c.addr)
	if err == nil {
		resp.Body, err = json.Marshal(body)
	}
	if err != nil {
		resp.Body = nil
		resp.Error = err.Error()
		sink.IncrCounterWithLabels(observability.MetricServerDispatchErrors, 1, labels)
		var pe *router.PanicError
		if errors.As(err, &pe) {
			c.slog.Error().Str("route", route).Err(err).Bytes("stack", pe.Stack).Msg("handler panic")
		} else {
			c.slog.Debug().Str("route", route).Err(err).Msg("dispatch failed")
		}
	}
	sink.AddSampleWithLabels(observability.MetricServerDispatchMillis, observability.SinceMillis(start), labels)

	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	sealed, err := env.Seal(out)
	if err != nil {
		return err
	}
	return proto.WriteFrame(c.nc, sealed)
}

func (c *conn) peerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// close tears the connection down once: release the slot, scrub the session
// secret, emit close for established connections.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		c.srv.release(c)

		c.mu.Lock()
		established := c.established
		name := c.name
		c.secret = ""
		c.env = nil
		c.mu.Unlock()

		if established {
			c.log.Info().Str("peer", name).Msg("closed")
			c.srv.emit(events.Notification{Event: events.Close, Addr: c.addr, Name: name})
		}
	})
}
