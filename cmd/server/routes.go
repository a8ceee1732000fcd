package main

import (
	"context"
	"fmt"
	"time"

	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/server"
	"dev.c0redev.tcprouter/internal/server/router"
	"dev.c0redev.tcprouter/internal/store"
)

func registerRoutes(srv *server.Server, db *store.DB, protect router.Handler) {
	srv.Handle("/echo", echo)
	srv.Handle("/ping", func(_ context.Context, c *router.Context, next router.Next) error {
		c.SetBody(map[string]any{"pong": true, "peer": c.Peer})
		return next()
	})
	srv.Handle("/time", func(_ context.Context, c *router.Context, next router.Next) error {
		c.SetBody(time.Now().UTC().Format(time.RFC3339Nano))
		return next()
	})

	admin := func(route string, h router.Handler) {
		p := srv.Handle(route)
		if protect != nil {
			p.Push(protect)
		}
		p.Push(h)
	}
	admin("/routes", func(_ context.Context, c *router.Context, next router.Next) error {
		c.SetBody(srv.Router().Routes())
		return next()
	})
	if db != nil {
		admin("/events", recentEvents(db))
	}
}

func echo(_ context.Context, c *router.Context, next router.Next) error {
	c.SetBody(c.Request)
	return next()
}

// eventPage is the /events reply: the newest matching events and how many
// of that kind were recorded in total.
type eventPage struct {
	Total  int           `json:"total"`
	Events []store.Event `json:"events"`
}

func recentEvents(db *store.DB) router.Handler {
	return func(_ context.Context, c *router.Context, next router.Next) error {
		var in struct {
			Event string `json:"event"`
			Limit int    `json:"limit"`
		}
		if err := c.Bind(&in); err != nil {
			return err
		}
		if in.Event != "" {
			if _, ok := events.Parse(in.Event); !ok {
				return fmt.Errorf("unknown event %q", in.Event)
			}
		}
		list, err := db.Events(in.Event, in.Limit)
		if err != nil {
			return err
		}
		total, err := db.CountEvents(in.Event)
		if err != nil {
			return err
		}
		c.SetBody(eventPage{Total: total, Events: list})
		return next()
	}
}
