package store

import (
	"time"

	"github.com/rs/zerolog"

	"dev.c0redev.tcprouter/internal/events"
)

// Event is one recorded lifecycle notification.
type Event struct {
	ID        int64
	Event     string
	Addr      string
	Name      string
	Error     string
	Reachable bool
	CreatedAt time.Time
}

// RecordEvent appends n to the audit trail.
func (db *DB) RecordEvent(n events.Notification) error {
	ts := now()
	if !n.Time.IsZero() {
		ts = n.Time.UTC().Format(time.RFC3339Nano)
	}
	var errText string
	if n.Err != nil {
		errText = n.Err.Error()
	}
	_, err := db.Exec(
		"INSERT INTO events (event, addr, name, error, reachable, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		n.Event.String(), n.Addr, n.Name, errText, n.Reachable, ts)
	return err
}

// Events returns the latest limit events, newest first. kind filters by event name if non-empty.
func (db *DB) Events(kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := "SELECT id, event, addr, name, error, reachable, created_at FROM events"
	args := []any{}
	if kind != "" {
		q += " WHERE event = ?"
		args = append(args, kind)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var t string
		if err := rows.Scan(&e.ID, &e.Event, &e.Addr, &e.Name, &e.Error, &e.Reachable, &t); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(t)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns how many events of kind were recorded; all kinds if empty.
func (db *DB) CountEvents(kind string) (int, error) {
	var n int
	if kind == "" {
		err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
		return n, err
	}
	err := db.QueryRow("SELECT COUNT(*) FROM events WHERE event = ?", kind).Scan(&n)
	return n, err
}

// Observer records every notification; write failures are logged, not returned.
func (db *DB) Observer(log zerolog.Logger) events.Observer {
	return func(n events.Notification) {
		if err := db.RecordEvent(n); err != nil {
			log.Warn().Err(err).Str("event", n.Event.String()).Msg("audit write failed")
		}
	}
}
