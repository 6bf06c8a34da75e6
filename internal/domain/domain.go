package domain

import "time"

// TicketRecord is the tracker's view of a single ticket. The analytics
// engine treats a fetched set of records as an immutable snapshot and never
// mutates source records.
type TicketRecord struct {
	Key      string     `json:"key"`
	Project  string     `json:"project"`
	Summary  string     `json:"summary,omitempty"`
	Status   string     `json:"status"`
	Priority string     `json:"priority,omitempty"`
	Assignee string     `json:"assignee,omitempty"`
	Type     string     `json:"type,omitempty"`
	Created  time.Time  `json:"created" format:"date-time"`
	Resolved *time.Time `json:"resolved,omitempty" format:"date-time"`
}

// Resolution returns the ticket's resolution duration. It is defined only
// when the resolved timestamp is present.
func (t TicketRecord) Resolution() (time.Duration, bool) {
	if t.Resolved == nil {
		return 0, false
	}
	return t.Resolved.Sub(t.Created), true
}

type Project struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Lead        string `json:"lead,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type User struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Active      bool   `json:"active"`
}

type Epic struct {
	Key      string `json:"key"`
	Project  string `json:"project"`
	Summary  string `json:"summary"`
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
	Created  string `json:"created" format:"date-time"`
}

// Event is one entry in the append-only audit log of executed mutations.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	Project   string `json:"project,omitempty"`
	TicketKey string `json:"ticket_key,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}
