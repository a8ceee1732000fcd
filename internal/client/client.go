// Package client holds one logical connection to a server and correlates
// requests with responses over it.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/handshake"
	"dev.c0redev.tcprouter/internal/observability"
	"dev.c0redev.tcprouter/internal/proto"
	"dev.c0redev.tcprouter/internal/transport"
)

const readChunk = 32 * 1024

// State of the client connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Established
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config for a Client.
type Config struct {
	// Addr is the server host:port.
	Addr   string
	Secret string
	// Name is declared to the server in the handshake.
	Name string

	AutoReconnect  bool
	ReconnectDelay time.Duration
	// RequestTimeout rejects pending requests older than this; 0 = never.
	RequestTimeout time.Duration
	// MaxPending caps in-flight requests; 0 = unlimited.
	MaxPending int
	// KeepAlive enables TCP keep-alive on the socket.
	KeepAlive bool

	// Prober is consulted before each dial and, if ProbeInterval > 0,
	// periodically while established. Nil disables probing.
	Prober        Prober
	ProbeInterval time.Duration

	Suite       crypto.Suite
	PostQuantum bool
	Transport   transport.Kind
	// TLS for QUIC; nil uses transport.ClientTLS().
	TLS              *tls.Config
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// MaxFrameSize bounds inbound frames; 0 = unbounded.
	MaxFrameSize uint32

	Logger     *zerolog.Logger
	MetricSink metrics.MetricSink
}

// DefaultConfig returns a reconnecting client config for 127.0.0.1:8080.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8080",
		AutoReconnect:    true,
		ReconnectDelay:   time.Second,
		RequestTimeout:   10 * time.Second,
		MaxPending:       1024,
		KeepAlive:        true,
		Suite:            crypto.SuiteAES256GCM,
		Transport:        transport.TCP,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     16 << 20,
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

// Client is safe for concurrent use. Close must be called to release its
// background goroutines.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	sink   metrics.MetricSink
	events events.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	closed    bool
	gen       uint64
	conn      net.Conn
	env       *crypto.Envelope
	stop      chan struct{}
	dialing   net.Conn
	attempt   *attempt
	reconnect *time.Timer
	pending   map[string]*Call

	writeMu sync.Mutex
}

// New returns a disconnected client. Nothing is dialed until Connect or the first request.
func New(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		sink:    observability.Sink(cfg.MetricSink),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*Call),
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "client").Logger()
	} else {
		c.log = observability.Component("client")
	}
	c.log = c.log.With().Str("addr", cfg.Addr).Logger()
	if cfg.RequestTimeout > 0 {
		go c.sweeper()
	}
	return c
}

// Observe registers a lifecycle observer.
func (c *Client) Observe(fn events.Observer) (cancel func()) {
	return c.events.Observe(fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending is the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect establishes the connection. Concurrent callers share one attempt;
// an established client returns nil immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Established {
		c.mu.Unlock()
		return nil
	}
	a := c.attempt
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		c.attempt = a
		c.state = Connecting
		c.stopReconnectLocked()
		go c.dial(a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(a *attempt) {
	err := c.establish(a)

	c.mu.Lock()
	if err != nil && c.attempt == a {
		c.attempt = nil
		c.dialing = nil
		c.state = Disconnected
	}
	retry := err != nil && !c.closed && c.cfg.AutoReconnect
	if retry {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Debug().Err(err).Bool("retry", retry).Msg("connect failed")
		c.events.Emit(events.Notification{Event: events.Error, Addr: c.cfg.Addr, Err: err})
	}
	a.err = err
	close(a.done)
}

// establish dials and handshakes for attempt a. On success a is retired in
// the same critical section that publishes Established.
func (c *Client) establish(a *attempt) error {
	if c.cfg.Prober != nil {
		ok := c.cfg.Prober.Reachable(c.ctx)
		c.events.Emit(events.Notification{Event: events.Network, Addr: c.cfg.Addr, Reachable: ok})
		if !ok {
			return ErrNetworkUnreachable
		}
	}

	dctx := c.ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	nc, err := transport.Dial(dctx, c.cfg.Transport, c.cfg.Addr, c.cfg.TLS)
	if err != nil {
		return err
	}
	setKeepAlive(nc, c.cfg.KeepAlive)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return ErrClosed
	}
	c.state = Handshaking
	c.dialing = nc
	c.mu.Unlock()

	if c.cfg.HandshakeTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	br := bufio.NewReaderSize(nc, readChunk)
	res, err := handshake.Initiate(br, nc, handshake.Options{
		Secret:      c.cfg.Secret,
		Name:        c.cfg.Name,
		PostQuantum: c.cfg.PostQuantum,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("client: handshake: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})
	env, err := crypto.NewEnvelope(c.cfg.Suite, res.KeyMaterial(c.cfg.Secret))
	if err != nil {
		nc.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	stop := make(chan struct{})
	c.conn, c.env, c.stop = nc, env, stop
	c.state = Established
	if c.attempt == a {
		c.attempt = nil
	}
	c.dialing = nil
	c.mu.Unlock()

	c.log.Info().Str("session", res.Fingerprint).Bool("hybrid", res.Hybrid).Msg("connected")
	c.events.Emit(events.Notification{Event: events.Connect, Addr: c.cfg.Addr, Name: c.cfg.Name})
	go c.readLoop(gen, br, env)
	if c.cfg.Prober != nil && c.cfg.ProbeInterval > 0 {
		go c.liveness(gen, stop)
	}
	return nil
}

// setKeepAlive applies the toggle in both directions; dialers enable it by default.
func setKeepAlive(nc net.Conn, on bool) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(on)
	}
}

func (c *Client) readLoop(gen uint64, r io.Reader, env *crypto.Envelope) {
	asm := proto.Assembler{MaxPayload: c.cfg.MaxFrameSize}
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for payload, ferr := range asm.Feed(buf[:n]) {
				if ferr != nil {
					c.lost(gen, ferr)
					return
				}
				c.deliver(env, payload)
			}
			c.sweep(time.Now())
		}
		if err != nil {
			c.lost(gen, err)
			return
		}
	}
}

// deliver resolves the pending call matching one inbound frame. Frames that
// fail to decrypt, fail to parse or match no pending uuid are dropped.
func (c *Client) deliver(env *crypto.Envelope, payload []byte) {
	plain, err := env.Open(payload)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping frame")
		c.sink.IncrCounter(observability.MetricClientDecryptDrops, 1)
		return
	}
	var resp proto.Response
	if err := json.Unmarshal(plain, &resp); err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed response")
		return
	}
	c.mu.Lock()
	call, ok := c.pending[resp.UUID]
	delete(c.pending, resp.UUID)
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("uuid", resp.UUID).Msg("no pending request")
		return
	}
	c.sink.SetGauge(observability.MetricClientPending, float32(n))
	c.sink.AddSampleWithLabels(observability.MetricClientRoundTripMillis, observability.SinceMillis(call.start),
		[]metrics.Label{observability.LabelRoute.M(call.Route)})
	if resp.Error != "" {
		call.complete(nil, &RemoteError{Route: call.Route, Message: resp.Error})
		return
	}
	call.complete(resp.Body, nil)
}

// lost tears down connection gen after a read/write/probe failure. Pending
// requests are rejected before any reconnect is scheduled.
func (c *Client) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Established {
		c.mu.Unlock()
		return
	}
	nc, stop := c.conn, c.stop
	c.gen++
	c.conn, c.env, c.stop = nil, nil, nil
	c.state = Disconnected
	calls := c.takePendingLocked()
	c.mu.Unlock()

	close(stop)
	nc.Close()
	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		c.log.Info().Msg("connection closed")
	} else {
		c.log.Warn().Err(cause).Msg("connection lost")
	}
	c.rejectAll(calls, fmt.Errorf("%w: connection lost: %v", ErrClosed, cause))
	c.events.Emit(events.Notification{Event: events.Close, Addr: c.cfg.Addr, Name: c.cfg.Name, Err: cause})

	c.mu.Lock()
	if !c.closed && c.cfg.AutoReconnect && c.state == Disconnected && c.attempt == nil {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.sink.IncrCounter(observability.MetricClientReconnects, 1)
		c.log.Debug().Msg("reconnecting")
		_ = c.Connect(c.ctx)
	})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) liveness(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ok := c.cfg.Prober.Reachable(c.ctx)
		c.events.Emit(events.Notification{Event: events.Network, Addr: c.cfg.Addr, Reachable: ok})
		if !ok {
			c.lost(gen, ErrNetworkUnreachable)
			return
		}
	}
}

// Go sends a request and returns its pending Call. A disconnected client
// reconnects first. Failures are reported through the returned Call.
func (c *Client) Go(ctx context.Context, route string, body any) *Call {
	raw, err := json.Marshal(body)
	if err != nil {
		return failedCall(route, err)
	}
	if err := c.Connect(ctx); err != nil {
		return failedCall(route, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return failedCall(route, ErrClosed)
	}
	if c.state != Established {
		c.mu.Unlock()
		return failedCall(route, fmt.Errorf("%w: not connected", ErrClosed))
	}
	if max := c.cfg.MaxPending; max > 0 && len(c.pending) >= max {
		c.mu.Unlock()
		c.sink.IncrCounter(observability.MetricClientCapacityRejects, 1)
		return failedCall(route, ErrCapacity)
	}
	call := newCall(route)
	call.UUID = uuid.NewString()
	call.start = time.Now()
	c.pending[call.UUID] = call
	n := len(c.pending)
	nc, env, gen := c.conn, c.env, c.gen
	c.mu.Unlock()

	c.sink.SetGauge(observability.MetricClientPending, float32(n))
	c.sink.IncrCounterWithLabels(observability.MetricClientRequestCount, 1,
		[]metrics.Label{observability.LabelRoute.M(route)})

	if err := c.write(nc, env, proto.Request{UUID: call.UUID, Route: route, Body: raw}); err != nil {
		c.forget(call.UUID)
		call.complete(nil, err)
		c.lost(gen, err)
	}
	return call
}

// Send sends a request and waits for its response, decoding the body into out (may be nil).
func (c *Client) Send(ctx context.Context, route string, body, out any) error {
	return c.Go(ctx, route, body).Decode(ctx, out)
}

func (c *Client) write(nc net.Conn, env *crypto.Envelope, req proto.Request) error {
	plain, err := json.Marshal(req)
	if err != nil {
		return err
	}
	sealed, err := env.Seal(plain)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return proto.WriteFrame(nc, sealed)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) takePendingLocked() []*Call {
	calls := make([]*Call, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	return calls
}

func (c *Client) rejectAll(calls []*Call, err error) {
	for _, call := range calls {
		call.complete(nil, err)
	}
	c.sink.SetGauge(observability.MetricClientPending, float32(c.Pending()))
}

// sweep rejects pending calls older than RequestTimeout.
func (c *Client) sweep(now time.Time) {
	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		return
	}
	var expired []*Call
	c.mu.Lock()
	for id, call := range c.pending {
		if now.Sub(call.start) >= timeout {
			expired = append(expired, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	c.sink.IncrCounter(observability.MetricClientTimeouts, float32(len(expired)))
	for _, call := range expired {
		call.complete(nil, fmt.Errorf("%w: %s after %s", ErrTimeout, call.Route, timeout))
	}
	c.sink.SetGauge(observability.MetricClientPending, float32(c.Pending()))
}

func (c *Client) sweeper() {
	interval := c.cfg.RequestTimeout / 4
	switch {
	case interval < 10*time.Millisecond:
		interval = 10 * time.Millisecond
	case interval > time.Second:
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

// Close disconnects for good: cancels reconnects, closes the stream and
// rejects every pending request with ErrClosed. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopReconnectLocked()
	c.cancel()
	nc, dialing, stop := c.conn, c.dialing, c.stop
	c.gen++
	c.conn, c.env, c.stop, c.dialing = nil, nil, nil, nil
	c.state = Disconnected
	calls := c.takePendingLocked()
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if dialing != nil {
		dialing.Close()
	}
	var err error
	if nc != nil {
		err = nc.Close()
		c.events.Emit(events.Notification{Event: events.Close, Addr: c.cfg.Addr, Name: c.cfg.Name})
	}
	c.rejectAll(calls, ErrClosed)
	c.log.Info().Msg("client closed")
	return err
}
