// Package router maps route names to handler pipelines.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RouteNotFoundError is returned by Execute for an unregistered route.
type RouteNotFoundError struct {
	Route string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("route %s not found", e.Route)
}

// Router is the route table. Handle is normally called before the server
// starts listening, but the table is safe for concurrent use.
type Router struct {
	prefix string

	mu     sync.RWMutex
	routes map[string]*Pipeline
}

// New returns an empty router. prefix is prepended to every name at
// registration; requests address routes by the full prefixed name.
func New(prefix string) *Router {
	return &Router{
		prefix: strings.ToLower(strings.TrimSpace(prefix)),
		routes: make(map[string]*Pipeline),
	}
}

// Normalize trims and lower-cases a requested route name.
func (r *Router) Normalize(route string) string {
	return strings.ToLower(strings.TrimSpace(route))
}

// Handle registers (or replaces) the pipeline for prefix+route.
func (r *Router) Handle(route string, handlers ...Handler) *Pipeline {
	p := NewPipeline(handlers...)
	name := r.prefix + r.Normalize(route)
	r.mu.Lock()
	r.routes[name] = p
	r.mu.Unlock()
	return p
}

// Lookup returns the pipeline registered for route.
func (r *Router) Lookup(route string) (*Pipeline, bool) {
	r.mu.RLock()
	p, ok := r.routes[r.Normalize(route)]
	r.mu.RUnlock()
	return p, ok
}

// Routes lists registered route names, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute looks up route and runs its pipeline with a fresh Context.
// peer and addr identify the caller for handlers.
func (r *Router) Execute(ctx context.Context, route string, request json.RawMessage, peer, addr string) (any, error) {
	name := r.Normalize(route)
	p, ok := r.Lookup(name)
	if !ok {
		return nil, &RouteNotFoundError{Route: name}
	}
	return p.Execute(ctx, &Context{Request: request, Route: name, Peer: peer, Addr: addr})
}
