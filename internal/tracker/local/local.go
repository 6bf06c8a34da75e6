// Package local is a SQLite-backed tracker backend. It serves self-hosted
// workspaces, demos, and tests through the same contract a remote tracker
// adapter would satisfy. The workflow_transitions table is the sole
// authority on status-change legality.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackpilot/internal/domain"
	"trackpilot/internal/events"
	"trackpilot/internal/tracker"
)

const initialStatus = "To Do"

// resolvedStatus is the workflow state that stamps resolved_at.
const resolvedStatus = "Done"

var accountPrefixes = []string{"5d", "557058:", "712020:"}

// Tracker implements the tracker contract against a workspace database.
type Tracker struct {
	db      *sql.DB
	baseURL string
	session string
	events  events.Writer
	now     func() time.Time
}

func New(db *sql.DB, baseURL string) *Tracker {
	return &Tracker{
		db:      db,
		baseURL: strings.TrimRight(baseURL, "/"),
		events:  events.Writer{DB: db},
		now:     time.Now,
	}
}

// ForSession returns a copy that stamps audit events with the session id.
func (t *Tracker) ForSession(id string) tracker.Client {
	cp := *t
	cp.session = id
	return &cp
}

func (t *Tracker) CreateTicket(ctx context.Context, project string, fields tracker.TicketFields) (string, error) {
	assignee, err := t.resolveAssignee(ctx, fields.Assignee)
	if err != nil {
		return "", err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE key = ?`, project).Scan(&exists); err != nil {
		return "", err
	}
	if exists == 0 {
		return "", fmt.Errorf("project %s: %w", project, tracker.ErrNotFound)
	}
	if fields.EpicKey != "" {
		if err := epicExists(ctx, tx, fields.EpicKey); err != nil {
			return "", err
		}
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM tickets WHERE project_key = ?`, project).Scan(&seq); err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s-%d", project, seq)
	created := t.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO tickets(key,project_key,seq,summary,description,type,status,priority,assignee,epic_key,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		key, project, seq, fields.Summary, nullable(fields.Description), fields.Type, initialStatus,
		fields.Priority, nullable(assignee), nullable(fields.EpicKey), created)
	if err != nil {
		return "", err
	}
	err = t.events.Append(ctx, tx, "ticket.created", project, key, t.session, events.EventPayload{
		"summary": fields.Summary, "type": fields.Type, "priority": fields.Priority,
	})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

func (t *Tracker) EditTicket(ctx context.Context, key string, fields tracker.TicketFields) error {
	var sets []string
	var args []any
	if fields.Summary != "" {
		sets, args = append(sets, "summary = ?"), append(args, fields.Summary)
	}
	if fields.Description != "" {
		sets, args = append(sets, "description = ?"), append(args, fields.Description)
	}
	if fields.Priority != "" {
		sets, args = append(sets, "priority = ?"), append(args, fields.Priority)
	}
	if len(sets) == 0 {
		return fmt.Errorf("edit %s: no fields to update", key)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := ticketProject(ctx, tx, key)
	if err != nil {
		return err
	}
	args = append(args, key)
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET `+strings.Join(sets, ", ")+` WHERE key = ?`, args...); err != nil {
		return err
	}
	payload := events.EventPayload{}
	for _, s := range sets {
		payload[strings.Fields(s)[0]] = true
	}
	if err := t.events.Append(ctx, tx, "ticket.edited", project, key, t.session, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tracker) Assign(ctx context.Context, key, assignee string) error {
	accountID, err := t.resolveAssignee(ctx, assignee)
	if err != nil {
		return err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := ticketProject(ctx, tx, key)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET assignee = ? WHERE key = ?`, accountID, key); err != nil {
		return err
	}
	err = t.events.Append(ctx, tx, "ticket.assigned", project, key, t.session, events.EventPayload{"assignee": accountID})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tracker) Transition(ctx context.Context, key, targetStatus string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var project, current string
	err = tx.QueryRowContext(ctx, `SELECT project_key, status FROM tickets WHERE key = ?`, key).Scan(&project, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ticket %s: %w", key, tracker.ErrNotFound)
	}
	if err != nil {
		return err
	}
	target, allowed, err := legalTarget(ctx, tx, current, targetStatus)
	if err != nil {
		return err
	}
	if target == "" {
		return &tracker.IllegalTransitionError{Key: key, From: current, To: targetStatus, Allowed: allowed}
	}
	resolvedAt := any(nil)
	if target == resolvedStatus {
		resolvedAt = t.now().UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET status = ?, resolved_at = ? WHERE key = ?`, target, resolvedAt, key); err != nil {
		return err
	}
	err = t.events.Append(ctx, tx, "ticket.transitioned", project, key, t.session, events.EventPayload{
		"from": current, "to": target,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// legalTarget matches targetStatus case-insensitively against the legal
// transitions out of current. It returns the canonical target name, or ""
// plus the allowed list when the move is illegal.
func legalTarget(ctx context.Context, tx *sql.Tx, current, targetStatus string) (string, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT to_status FROM workflow_transitions WHERE from_status = ? ORDER BY to_status`, current)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	var allowed []string
	target := ""
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return "", nil, err
		}
		allowed = append(allowed, to)
		if strings.EqualFold(to, targetStatus) {
			target = to
		}
	}
	return target, allowed, rows.Err()
}

func (t *Tracker) Search(ctx context.Context, query string) ([]domain.TicketRecord, error) {
	where, args, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	q := `SELECT key, project_key, summary, status, priority, COALESCE(assignee,''), type, created_at, resolved_at FROM tickets`
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY created_at DESC"
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TicketRecord
	for rows.Next() {
		rec, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *Tracker) GetTicket(ctx context.Context, key string) (domain.TicketRecord, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT key, project_key, summary, status, priority, COALESCE(assignee,''), type, created_at, resolved_at FROM tickets WHERE key = ?`, key)
	rec, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TicketRecord{}, fmt.Errorf("ticket %s: %w", key, tracker.ErrNotFound)
	}
	return rec, err
}

func (t *Tracker) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key, name, COALESCE(description,''), COALESCE(lead,''), created_at FROM projects ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.Key, &p.Name, &p.Description, &p.Lead, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *Tracker) ListUsers(ctx context.Context, project string) ([]domain.User, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT account_id, display_name, COALESCE(email,''), active FROM users WHERE active = 1 ORDER BY display_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.AccountID, &u.DisplayName, &u.Email, &u.Active); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *Tracker) CreateEpic(ctx context.Context, project, summary, description, assignee string) (string, error) {
	account, err := t.resolveAssignee(ctx, assignee)
	if err != nil {
		return "", err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE key = ?`, project).Scan(&exists); err != nil {
		return "", err
	}
	if exists == 0 {
		return "", fmt.Errorf("project %s: %w", project, tracker.ErrNotFound)
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM epics WHERE project_key = ?`, project).Scan(&seq); err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s-E%d", project, seq)
	created := t.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO epics(key,project_key,seq,summary,description,status,assignee,created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		key, project, seq, summary, nullable(description), initialStatus, nullable(account), created)
	if err != nil {
		return "", err
	}
	err = t.events.Append(ctx, tx, "epic.created", project, key, t.session, events.EventPayload{"summary": summary})
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

func (t *Tracker) ListEpics(ctx context.Context, project string) ([]domain.Epic, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key, project_key, summary, status, COALESCE(assignee,''), created_at FROM epics WHERE project_key = ? ORDER BY seq`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Epic
	for rows.Next() {
		var e domain.Epic
		if err := rows.Scan(&e.Key, &e.Project, &e.Summary, &e.Status, &e.Assignee, &e.Created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *Tracker) LinkToEpic(ctx context.Context, ticketKey, epicKey string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := ticketProject(ctx, tx, ticketKey)
	if err != nil {
		return err
	}
	if err := epicExists(ctx, tx, epicKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET epic_key = ? WHERE key = ?`, epicKey, ticketKey); err != nil {
		return err
	}
	err = t.events.Append(ctx, tx, "ticket.linked", project, ticketKey, t.session, events.EventPayload{"epic": epicKey})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tracker) TicketURL(key string) string {
	if t.baseURL == "" {
		return "trackpilot://tickets/" + key
	}
	return t.baseURL + "/browse/" + key
}

// resolveAssignee maps a display name or email to an account id. Values
// already shaped like account ids pass through untouched.
func (t *Tracker) resolveAssignee(ctx context.Context, assignee string) (string, error) {
	if assignee == "" {
		return "", nil
	}
	for _, prefix := range accountPrefixes {
		if strings.HasPrefix(assignee, prefix) {
			return assignee, nil
		}
	}
	var accountID string
	err := t.db.QueryRowContext(ctx,
		`SELECT account_id FROM users WHERE active = 1 AND (display_name = ? COLLATE NOCASE OR email = ? COLLATE NOCASE)`,
		assignee, assignee).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %q: %w", assignee, tracker.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func ticketProject(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var project string
	err := tx.QueryRowContext(ctx, `SELECT project_key FROM tickets WHERE key = ?`, key).Scan(&project)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("ticket %s: %w", key, tracker.ErrNotFound)
	}
	return project, err
}

func epicExists(ctx context.Context, tx *sql.Tx, key string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE key = ?`, key).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("epic %s: %w", key, tracker.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.TicketRecord, error) {
	var rec domain.TicketRecord
	var created string
	var resolved sql.NullString
	err := row.Scan(&rec.Key, &rec.Project, &rec.Summary, &rec.Status, &rec.Priority, &rec.Assignee, &rec.Type, &created, &resolved)
	if err != nil {
		return domain.TicketRecord{}, err
	}
	rec.Created, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return domain.TicketRecord{}, fmt.Errorf("ticket %s: bad created_at: %w", rec.Key, err)
	}
	if resolved.Valid {
		ts, err := time.Parse(time.RFC3339, resolved.String)
		if err != nil {
			return domain.TicketRecord{}, fmt.Errorf("ticket %s: bad resolved_at: %w", rec.Key, err)
		}
		rec.Resolved = &ts
	}
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
