// Package events defines the lifecycle notifications emitted by servers and clients.
package events

import (
	"sync"
	"time"
)

// Event is a closed set of lifecycle notifications.
type Event uint8

const (
	Listening Event = iota + 1
	Connect
	Close
	Error
	ErrorWhitelist
	ErrorMaxConnections
	Network
)

var names = map[Event]string{
	Listening:           "listening",
	Connect:             "connect",
	Close:               "close",
	Error:               "error",
	ErrorWhitelist:      "error:whitelist",
	ErrorMaxConnections: "error:maxConnections",
	Network:             "network",
}

func (e Event) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "unknown"
}

// Parse maps a wire/config name back to an Event.
func Parse(s string) (Event, bool) {
	for e, name := range names {
		if name == s {
			return e, true
		}
	}
	return 0, false
}

// Notification is one emitted event.
type Notification struct {
	Event Event
	Time  time.Time
	// Addr is the remote (server side) or dialed (client side) address.
	Addr string
	// Name is the peer's declared name, if known.
	Name string
	// Err is set for the error events.
	Err error
	// Reachable is set for Network.
	Reachable bool
}

// Observer receives notifications synchronously on the emitting goroutine.
// It must not block.
type Observer func(Notification)

// Registry fans notifications out to observers.
type Registry struct {
	mu        sync.RWMutex
	next      int
	observers map[int]Observer
}

// Observe registers fn and returns a function that removes it.
func (r *Registry) Observe(fn Observer) (cancel func()) {
	r.mu.Lock()
	if r.observers == nil {
		r.observers = make(map[int]Observer)
	}
	id := r.next
	r.next++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// Emit delivers n to every observer. Time is filled if zero.
func (r *Registry) Emit(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	r.mu.RLock()
	obs := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		obs = append(obs, fn)
	}
	r.mu.RUnlock()
	for _, fn := range obs {
		fn(n)
	}
}

// Filter wraps fn so it only sees the listed events.
func Filter(fn Observer, only ...Event) Observer {
	return func(n Notification) {
		for _, e := range only {
			if n.Event == e {
				fn(n)
				return
			}
		}
	}
}
