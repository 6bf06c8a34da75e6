package events_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"trackpilot/internal/db"
	"trackpilot/internal/events"
	"trackpilot/internal/migrate"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func appendEvent(t *testing.T, conn *sql.DB, w events.Writer, evtType, key string) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(context.Background(), tx, evtType, "DEMO", key, "s1", events.EventPayload{"n": 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestAppendAndPage(t *testing.T) {
	conn := newDB(t)
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }}
	appendEvent(t, conn, w, "ticket.created", "DEMO-1")
	appendEvent(t, conn, w, "ticket.assigned", "DEMO-1")
	appendEvent(t, conn, w, "ticket.transitioned", "DEMO-1")

	latest, err := events.LatestEventID(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 3 {
		t.Fatalf("latest = %d", latest)
	}

	page, err := events.EventsAfter(context.Background(), conn, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Type != "ticket.created" || page[1].Type != "ticket.assigned" {
		t.Fatalf("page = %+v", page)
	}

	rest, err := events.EventsAfter(context.Background(), conn, 10, page[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Type != "ticket.transitioned" {
		t.Fatalf("rest = %+v", rest)
	}
	if rest[0].SessionID != "s1" || rest[0].Project != "DEMO" {
		t.Fatalf("event fields = %+v", rest[0])
	}
}

func TestRecentNewestFirst(t *testing.T) {
	conn := newDB(t)
	w := events.Writer{DB: conn}
	appendEvent(t, conn, w, "ticket.created", "DEMO-1")
	appendEvent(t, conn, w, "ticket.edited", "DEMO-1")

	recent, err := events.Recent(context.Background(), conn, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Type != "ticket.edited" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestLatestEventIDEmptyLog(t *testing.T) {
	conn := newDB(t)
	latest, err := events.LatestEventID(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 0 {
		t.Fatalf("latest = %d", latest)
	}
}
