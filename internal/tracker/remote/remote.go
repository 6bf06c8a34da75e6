// Package remote adapts the Trackpilot HTTP API to the tracker contract,
// so a CLI or agent can run against a shared server instead of the
// embedded workspace database.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"trackpilot/internal/domain"
	"trackpilot/internal/tracker"
	trackpilotsdk "trackpilot/sdk/go"
)

// Tracker implements the tracker contract over the SDK client.
type Tracker struct {
	api     *trackpilotsdk.Client
	baseURL string
}

func New(baseURL, apiKey, bearerToken string) *Tracker {
	api := trackpilotsdk.New(baseURL)
	api.APIKey = apiKey
	api.BearerToken = bearerToken
	return &Tracker{api: api, baseURL: strings.TrimRight(baseURL, "/")}
}

func (t *Tracker) CreateTicket(ctx context.Context, project string, fields tracker.TicketFields) (string, error) {
	ref, err := t.api.CreateTicket(ctx, project, trackpilotsdk.TicketFields{
		Summary:     fields.Summary,
		Description: fields.Description,
		Type:        fields.Type,
		Priority:    fields.Priority,
		Assignee:    fields.Assignee,
		Epic:        fields.EpicKey,
	})
	if err != nil {
		return "", mapError(err)
	}
	return ref.Key, nil
}

func (t *Tracker) EditTicket(ctx context.Context, key string, fields tracker.TicketFields) error {
	_, err := t.api.EditTicket(ctx, key, trackpilotsdk.TicketFields{
		Summary:     fields.Summary,
		Description: fields.Description,
		Priority:    fields.Priority,
	})
	return mapError(err)
}

func (t *Tracker) Assign(ctx context.Context, key, assignee string) error {
	_, err := t.api.Assign(ctx, key, assignee)
	return mapError(err)
}

func (t *Tracker) Transition(ctx context.Context, key, targetStatus string) error {
	_, err := t.api.Transition(ctx, key, targetStatus)
	return mapError(err)
}

func (t *Tracker) Search(ctx context.Context, query string) ([]domain.TicketRecord, error) {
	items, err := t.api.Search(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]domain.TicketRecord, 0, len(items))
	for _, item := range items {
		rec, err := toRecord(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *Tracker) GetTicket(ctx context.Context, key string) (domain.TicketRecord, error) {
	item, err := t.api.GetTicket(ctx, key)
	if err != nil {
		return domain.TicketRecord{}, mapError(err)
	}
	return toRecord(item)
}

func (t *Tracker) ListProjects(ctx context.Context) ([]domain.Project, error) {
	items, err := t.api.ListProjects(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]domain.Project, 0, len(items))
	for _, p := range items {
		out = append(out, domain.Project{
			Key: p.Key, Name: p.Name, Description: p.Description, Lead: p.Lead, CreatedAt: p.CreatedAt,
		})
	}
	return out, nil
}

func (t *Tracker) ListUsers(ctx context.Context, project string) ([]domain.User, error) {
	items, err := t.api.ListUsers(ctx, project)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]domain.User, 0, len(items))
	for _, u := range items {
		out = append(out, domain.User{
			AccountID: u.AccountID, DisplayName: u.DisplayName, Email: u.Email, Active: u.Active,
		})
	}
	return out, nil
}

func (t *Tracker) CreateEpic(ctx context.Context, project, summary, description, assignee string) (string, error) {
	ref, err := t.api.CreateEpic(ctx, project, summary, description, assignee)
	if err != nil {
		return "", mapError(err)
	}
	return ref.Key, nil
}

func (t *Tracker) ListEpics(ctx context.Context, project string) ([]domain.Epic, error) {
	items, err := t.api.ListEpics(ctx, project)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]domain.Epic, 0, len(items))
	for _, e := range items {
		out = append(out, domain.Epic{
			Key: e.Key, Project: e.Project, Summary: e.Summary, Status: e.Status,
			Assignee: e.Assignee, Created: e.Created,
		})
	}
	return out, nil
}

func (t *Tracker) LinkToEpic(ctx context.Context, ticketKey, epicKey string) error {
	_, err := t.api.LinkEpic(ctx, ticketKey, epicKey)
	return mapError(err)
}

func (t *Tracker) TicketURL(key string) string {
	return t.baseURL + "/browse/" + key
}

func toRecord(item trackpilotsdk.Ticket) (domain.TicketRecord, error) {
	rec := domain.TicketRecord{
		Key:      item.Key,
		Project:  item.Project,
		Summary:  item.Summary,
		Status:   item.Status,
		Priority: item.Priority,
		Assignee: item.Assignee,
		Type:     item.Type,
	}
	var err error
	rec.Created, err = time.Parse(time.RFC3339, item.Created)
	if err != nil {
		return domain.TicketRecord{}, fmt.Errorf("ticket %s: bad created timestamp: %w", item.Key, err)
	}
	if item.Resolved != "" {
		ts, err := time.Parse(time.RFC3339, item.Resolved)
		if err != nil {
			return domain.TicketRecord{}, fmt.Errorf("ticket %s: bad resolved timestamp: %w", item.Key, err)
		}
		rec.Resolved = &ts
	}
	return rec, nil
}

// mapError translates transport and API failures into the contract error
// kinds. Network failures are transient; HTTP statuses map one-to-one.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *trackpilotsdk.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", apiErr.Body, tracker.ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w", apiErr.Body, tracker.ErrPermissionDenied)
		case http.StatusConflict:
			return illegalTransitionFromBody(apiErr.Body)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return &tracker.TransientError{Err: err}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &tracker.TransientError{Err: err}
	}
	return &tracker.TransientError{Err: err}
}

// illegalTransitionFromBody recovers the transition details carried in the
// error envelope, so the caller sees the same error shape the local
// backend produces.
func illegalTransitionFromBody(body string) error {
	var envelope struct {
		Error struct {
			Details struct {
				From    string   `json:"from"`
				To      string   `json:"to"`
				Allowed []string `json:"allowed"`
			} `json:"details"`
		} `json:"error"`
	}
	ite := &tracker.IllegalTransitionError{}
	if json.Unmarshal([]byte(body), &envelope) == nil {
		ite.From = envelope.Error.Details.From
		ite.To = envelope.Error.Details.To
		ite.Allowed = envelope.Error.Details.Allowed
	}
	return ite
}
