package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed: the client was closed, or the connection carrying the request was lost.
	ErrClosed = errors.New("client: closed")
	// ErrTimeout: no response within RequestTimeout.
	ErrTimeout = errors.New("client: request timed out")
	// ErrCapacity: the pending table is full.
	ErrCapacity = errors.New("client: too many pending requests")
	// ErrNetworkUnreachable: the configured prober reported no network.
	ErrNetworkUnreachable = errors.New("client: network unreachable")
)

// RemoteError is an error message returned by the server for one request.
type RemoteError struct {
	Route   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Route, e.Message)
}

// Call is the pending result of one request. It completes exactly once;
// Done, Wait and Result may be used from any number of goroutines.
type Call struct {
	UUID  string
	Route string

	start time.Time
	done  chan struct{}
	once  sync.Once
	body  json.RawMessage
	err   error
}

func newCall(route string) *Call {
	return &Call{Route: route, done: make(chan struct{})}
}

func failedCall(route string, err error) *Call {
	c := newCall(route)
	c.complete(nil, err)
	return c
}

// complete resolves or rejects the call; later calls are ignored.
func (c *Call) complete(body json.RawMessage, err error) bool {
	done := false
	c.once.Do(func() {
		c.body, c.err = body, err
		close(c.done)
		done = true
	})
	return done
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx ends. Cancelling ctx stops the
// wait only; the request stays pending until answered, timed out or lost.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.body, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (c *Call) Result() (body json.RawMessage, ok bool, err error) {
	select {
	case <-c.done:
		return c.body, true, c.err
	default:
		return nil, false, nil
	}
}

// Decode waits for the call and unmarshals the body into out.
func (c *Call) Decode(ctx context.Context, out any) error {
	body, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
