// Package transport provides the byte streams connections run over: plain TCP
// or a single bidirectional QUIC stream.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
)

// Kind selects the stream transport.
type Kind string

const (
	TCP  Kind = "tcp"
	QUIC Kind = "quic"
)

// ParseKind maps a config value to Kind; empty = tcp.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return TCP, nil
	case TCP, QUIC:
		return k, nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", s)
}

// Listen opens a listener. tlsConfig is required for QUIC and ignored for TCP.
func Listen(kind Kind, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	switch kind {
	case TCP, "":
		return net.Listen("tcp", addr)
	case QUIC:
		return listenQUIC(addr, tlsConfig)
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}

// Dial opens one stream to addr. tlsConfig may be nil (ClientTLS is used for QUIC).
func Dial(ctx context.Context, kind Kind, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	switch kind {
	case TCP, "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return conn, nil
	case QUIC:
		return dialQUIC(ctx, addr, tlsConfig)
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}
