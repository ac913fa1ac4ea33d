package store

import (
	"context"
	"database/sql"
	"time"
)

// AddEvent appends an event row (§4.1 add_event); the event log is
// append-only and only ever shrinks via DeleteEventsOlderThan.
func (s *Store) AddEvent(ctx context.Context, typ EventType, streamName, description, details string) (int64, error) {
	var id int64
	err := s.transact(ctx, func(tx *sql.Tx) error {
		var streamArg interface{}
		if streamName != "" {
			streamArg = streamName
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO events (type, timestamp, stream_name, description, details) VALUES (?, ?, ?, ?, ?)",
			string(typ), time.Now().Unix(), streamArg, description, details)
		if err != nil {
			return classifyBusy(err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// DeleteEventsOlderThan removes rows with timestamp < cutoff, returning
// the count removed (§4.1 delete_events_older_than).
func (s *Store) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff.Unix())
		if err != nil {
			return classifyBusy(err)
		}
		count, err = res.RowsAffected()
		return err
	})
	return count, err
}

// ListEvents returns events for a stream (or all streams if empty)
// ordered newest-first, bounded by limit.
func (s *Store) ListEvents(ctx context.Context, streamName string, limit int) ([]Event, error) {
	q := "SELECT id, type, timestamp, COALESCE(stream_name, ''), description, details FROM events"
	var args []interface{}
	if streamName != "" {
		q += " WHERE stream_name = ?"
		args = append(args, streamName)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyBusy(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var ts int64
		if err := rows.Scan(&e.ID, &typ, &ts, &e.StreamName, &e.Description, &e.Details); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
