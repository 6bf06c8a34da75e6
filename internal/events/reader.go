package events

import (
	"context"
	"database/sql"

	"trackpilot/internal/domain"
)

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first. Used by the webhook dispatcher to page through the log.
func EventsAfter(ctx context.Context, db *sql.DB, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(project_key,''), COALESCE(ticket_key,''), COALESCE(session_id,''), payload_json
		 FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.TicketKey, &e.SessionID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event id, or 0 on an empty log.
func LatestEventID(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// Recent returns the newest events first, for audit listings.
func Recent(ctx context.Context, db *sql.DB, limit int) ([]domain.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, type, COALESCE(project_key,''), COALESCE(ticket_key,''), COALESCE(session_id,''), payload_json
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.TicketKey, &e.SessionID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
