package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrMultipleNext: a handler invoked its next continuation twice.
	ErrMultipleNext = errors.New("router: next called multiple times")
	// ErrIncomplete: the chain finished without setting a body.
	ErrIncomplete = errors.New("router: pipeline did not set body")
)

// PanicError is a recovered handler panic. Stack is the goroutine stack at the panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("router: handler panic: %v", e.Value)
}

// Context is the mutable state threaded through one execution.
type Context struct {
	// Request is the raw request body as sent by the client.
	Request json.RawMessage
	// Route is the normalized route name.
	Route string
	// Peer is the name the client declared in its handshake (may be empty).
	Peer string
	// Addr is the remote address of the connection.
	Addr string

	body    any
	hasBody bool
}

// SetBody sets the response body. Nil is a valid body (JSON null).
func (c *Context) SetBody(v any) {
	c.body = v
	c.hasBody = true
}

// Body returns the response body and whether it has been set.
func (c *Context) Body() (any, bool) {
	return c.body, c.hasBody
}

// Bind decodes the request body into v.
func (c *Context) Bind(v any) error {
	if len(c.Request) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(c.Request, v)
}

// Next advances to the following handler. Each Next value may be called once.
type Next func() error

// Handler is one step of a pipeline. Not calling next stops the chain there.
type Handler func(ctx context.Context, c *Context, next Next) error

// Pipeline is an ordered handler chain.
type Pipeline struct {
	mu    sync.RWMutex
	stack []Handler
}

// NewPipeline returns a pipeline running handlers in order.
func NewPipeline(handlers ...Handler) *Pipeline {
	return &Pipeline{stack: append([]Handler(nil), handlers...)}
}

// Push appends handlers to the end of the chain.
func (p *Pipeline) Push(handlers ...Handler) {
	p.mu.Lock()
	p.stack = append(p.stack, handlers...)
	p.mu.Unlock()
}

// execution is the per-call state shared by the continuation tokens.
type execution struct {
	stack   []Handler
	c       *Context
	doubled atomic.Bool
}

func (e *execution) step(ctx context.Context, i int) error {
	if i >= len(e.stack) {
		return nil
	}
	var used atomic.Bool
	next := func() error {
		if !used.CompareAndSwap(false, true) {
			e.doubled.Store(true)
			return ErrMultipleNext
		}
		return e.step(ctx, i+1)
	}
	return e.stack[i](ctx, e.c, next)
}

// Execute runs the chain over c and returns the body it produced.
// A double next fails the execution even if the handler swallowed the error.
// A handler panic is recovered and returned as *PanicError.
func (p *Pipeline) Execute(ctx context.Context, c *Context) (body any, err error) {
	p.mu.RLock()
	stack := p.stack
	p.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			body, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	e := &execution{stack: stack, c: c}
	err = e.step(ctx, 0)
	if e.doubled.Load() {
		return nil, ErrMultipleNext
	}
	if err != nil {
		return nil, err
	}
	body, ok := c.Body()
	if !ok {
		return nil, ErrIncomplete
	}
	return body, nil
}
