package client

import (
	"context"
	"net"
	"time"
)

// Prober reports whether the network is reachable.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// DialProber considers the network reachable if a TCP dial to Addr succeeds.
type DialProber struct {
	// Addr defaults to 1.1.1.1:53.
	Addr string
	// Timeout defaults to 3s.
	Timeout time.Duration
}

func (p DialProber) Reachable(ctx context.Context) bool {
	addr, timeout := p.Addr, p.Timeout
	if addr == "" {
		addr = "1.1.1.1:53"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
