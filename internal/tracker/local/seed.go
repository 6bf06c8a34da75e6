package local

import (
	"context"
	"fmt"
	"time"

	"trackpilot/internal/tracker"
)

// Seed populates an empty workspace with a demo project, users, an epic,
// and a handful of tickets in mixed states. Safe to call once per fresh
// database; it fails if the demo project already exists.
func (t *Tracker) Seed(ctx context.Context) error {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE key = 'DEMO'`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("workspace already seeded")
	}
	now := t.now().UTC()
	_, err := t.db.ExecContext(ctx, `INSERT INTO projects(key,name,description,lead,created_at) VALUES
		('DEMO','Demo Project','Seeded demo workspace','5d0001',?)`, now.Format(time.RFC3339))
	if err != nil {
		return err
	}
	users := [][3]string{
		{"5d0001", "Alice Rivera", "alice@example.com"},
		{"5d0002", "Bob Tanaka", "bob@example.com"},
		{"557058:c3po", "Carol Osei", "carol@example.com"},
	}
	for _, u := range users {
		if _, err := t.db.ExecContext(ctx, `INSERT INTO users(account_id,display_name,email,active) VALUES (?,?,?,1)`,
			u[0], u[1], u[2]); err != nil {
			return err
		}
	}
	epicKey, err := t.CreateEpic(ctx, "DEMO", "Onboarding revamp", "Rework the onboarding flow", "Alice Rivera")
	if err != nil {
		return err
	}
	seedTickets := []struct {
		fields   tracker.TicketFields
		statuses []string
		age      time.Duration
	}{
		{tracker.TicketFields{Summary: "Fix login redirect loop", Type: "Bug", Priority: "High", Assignee: "Alice Rivera"},
			[]string{"In Progress", "Done"}, 10 * 24 * time.Hour},
		{tracker.TicketFields{Summary: "Add welcome email", Type: "Task", Priority: "Medium", Assignee: "Bob Tanaka", EpicKey: epicKey},
			[]string{"In Progress"}, 6 * 24 * time.Hour},
		{tracker.TicketFields{Summary: "Update signup copy", Type: "Improvement", Priority: "Low", EpicKey: epicKey},
			nil, 3 * 24 * time.Hour},
		{tracker.TicketFields{Summary: "Crash on empty profile", Type: "Bug", Priority: "Critical", Assignee: "Carol Osei"},
			[]string{"In Progress", "In Review", "Done"}, 14 * 24 * time.Hour},
	}
	for _, s := range seedTickets {
		t.now = func() time.Time { return now.Add(-s.age) }
		key, err := t.CreateTicket(ctx, "DEMO", s.fields)
		if err != nil {
			t.now = time.Now
			return err
		}
		t.now = time.Now
		for _, status := range s.statuses {
			if err := t.Transition(ctx, key, status); err != nil {
				return err
			}
		}
	}
	return nil
}
