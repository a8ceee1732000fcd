// Package server accepts connections, applies admission control and runs the
// handshake → decrypt → dispatch → encrypt loop for each of them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/observability"
	"dev.c0redev.tcprouter/internal/server/router"
	"dev.c0redev.tcprouter/internal/transport"
)

var (
	// ErrAdmission wraps every pre-handshake rejection.
	ErrAdmission      = errors.New("server: admission rejected")
	ErrWhitelist      = fmt.Errorf("%w: address not in whitelist", ErrAdmission)
	ErrMaxConnections = fmt.Errorf("%w: max connections reached", ErrAdmission)

	ErrListening    = errors.New("server: already listening")
	ErrNotListening = errors.New("server: not listening")
)

// Config for a Server.
type Config struct {
	// Addr is host:port to bind.
	Addr string
	// Secret is the pre-shared secret. Empty runs the envelope in passthrough mode.
	Secret string
	// Whitelist of exact peer IPs; empty disables the check.
	Whitelist []string
	// MaxConnections caps concurrent connections; 0 = unlimited.
	MaxConnections int
	// Prefix is prepended to every route name.
	Prefix string
	Suite  crypto.Suite
	// RequirePostQuantum rejects handshakes without an ML-KEM key.
	RequirePostQuantum bool
	// HandshakeTimeout bounds the handshake; 0 = no limit.
	HandshakeTimeout time.Duration
	// IdleTimeout closes a connection with no inbound bytes for this long; 0 = never.
	IdleTimeout time.Duration
	// MaxFrameSize bounds inbound frames; 0 = unbounded.
	MaxFrameSize uint32
	Transport    transport.Kind
	// TLS is required for the QUIC transport.
	TLS *tls.Config

	// Logger defaults to the global logger with component=server.
	Logger *zerolog.Logger
	// MetricSink defaults to metrics.Default().
	MetricSink metrics.MetricSink
}

// DefaultConfig returns a config listening on 127.0.0.1:8080 over TCP.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8080",
		Suite:            crypto.SuiteAES256GCM,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     16 << 20,
		Transport:        transport.TCP,
	}
}

// Server owns the route table and the set of active connections.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	sink      metrics.MetricSink
	router    *router.Router
	events    events.Registry
	whitelist map[string]struct{}

	mu     sync.Mutex
	ln     net.Listener
	bound  string
	ctx    context.Context
	cancel context.CancelFunc
	active map[*conn]struct{}
	wg     sync.WaitGroup
}

// New builds a server; routes are added with Handle before Listen.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		sink:   observability.Sink(cfg.MetricSink),
		router: router.New(cfg.Prefix),
		active: make(map[*conn]struct{}),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "server").Logger()
	} else {
		s.log = observability.Component("server")
	}
	if len(cfg.Whitelist) > 0 {
		s.whitelist = make(map[string]struct{}, len(cfg.Whitelist))
		for _, w := range cfg.Whitelist {
			s.whitelist[normalizeHost(w)] = struct{}{}
		}
	}
	return s
}

// Handle registers a handler chain for route.
func (s *Server) Handle(route string, handlers ...router.Handler) *router.Pipeline {
	return s.router.Handle(route, handlers...)
}

// Router exposes the route table.
func (s *Server) Router() *router.Router {
	return s.router
}

// Observe registers a lifecycle observer.
func (s *Server) Observe(fn events.Observer) (cancel func()) {
	return s.events.Observe(fn)
}

// Listen binds and starts accepting in the background. After Close, Listen
// binds the address that was previously bound (same port when Addr used :0).
func (s *Server) Listen() error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return ErrListening
	}
	addr := s.cfg.Addr
	if s.bound != "" {
		addr = s.bound
	}
	s.mu.Unlock()

	ln, err := transport.Listen(s.cfg.Transport, addr, s.cfg.TLS)
	if err != nil {
		s.emit(events.Notification{Event: events.Error, Addr: addr, Err: err})
		return err
	}
	if err := s.attach(ln); err != nil {
		ln.Close()
		return err
	}
	go s.acceptLoop(ln)
	return nil
}

// Serve accepts on ln until it is closed. It blocks.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.attach(ln); err != nil {
		return err
	}
	return s.acceptLoop(ln)
}

func (s *Server) attach(ln net.Listener) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return ErrListening
	}
	s.ln = ln
	s.bound = ln.Addr().String()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Str("addr", s.bound).Str("suite", s.cfg.Suite.String()).Msg("listening")
	s.emit(events.Notification{Event: events.Listening, Addr: s.bound})
	return nil
}

// Addr is the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connections is the number of admitted connections (including handshaking ones).
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops accepting, closes every connection and waits for them to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	s.ln = nil
	s.cancel()
	conns := make([]*conn, 0, len(s.active))
	for c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := ln.Close()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("closed")
	return err
}

func (s *Server) acceptLoop(ln net.Listener) error {
	defer s.wg.Done()
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.listeningOn(ln) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept")
				time.Sleep(delay)
				continue
			}
			s.log.Error().Err(err).Msg("accept")
			s.emit(events.Notification{Event: events.Error, Addr: ln.Addr().String(), Err: err})
			return err
		}
		delay = 0
		s.admit(ln, nc)
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) listeningOn(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln == ln
}

// admit runs the whitelist and ceiling checks and reserves a slot in the
// active set. The slot is released exactly once, by conn.close.
func (s *Server) admit(ln net.Listener, nc net.Conn) {
	addr := nc.RemoteAddr().String()
	host := peerHost(nc.RemoteAddr())

	if s.whitelist != nil {
		if _, ok := s.whitelist[host]; !ok {
			s.reject(nc, addr, events.ErrorWhitelist, ErrWhitelist, "whitelist")
			return
		}
	}

	s.mu.Lock()
	if s.ln != ln {
		s.mu.Unlock()
		nc.Close()
		return
	}
	if max := s.cfg.MaxConnections; max > 0 && len(s.active) >= max {
		s.mu.Unlock()
		s.reject(nc, addr, events.ErrorMaxConnections, ErrMaxConnections, "max_connections")
		return
	}
	c := newConn(s, nc, addr)
	s.active[c] = struct{}{}
	n := len(s.active)
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	s.sink.SetGauge(observability.MetricServerConnActive, float32(n))
	go func() {
		defer s.wg.Done()
		c.serve(ctx)
	}()
}

func (s *Server) reject(nc net.Conn, addr string, ev events.Event, err error, reason string) {
	nc.Close()
	s.log.Warn().Str("addr", addr).Err(err).Msg("connection rejected")
	s.sink.IncrCounterWithLabels(observability.MetricServerAdmissionRejects, 1,
		[]metrics.Label{observability.LabelReason.M(reason)})
	s.emit(events.Notification{Event: ev, Addr: addr, Err: err})
}

// release removes c from the active set; called once per connection.
func (s *Server) release(c *conn) {
	s.mu.Lock()
	delete(s.active, c)
	n := len(s.active)
	s.mu.Unlock()
	s.sink.SetGauge(observability.MetricServerConnActive, float32(n))
}

func (s *Server) emit(n events.Notification) {
	s.events.Emit(n)
}

// peerHost is the IP of addr with IPv4-mapped IPv6 unwrapped.
func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return normalizeHost(host)
}

func normalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if ip, err := netip.ParseAddr(strings.Trim(h, "[]")); err == nil {
		return ip.Unmap().WithZone("").String()
	}
	return strings.ToLower(h)
}
