package trackpilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trackpilot HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Ticket represents the API ticket model.
type Ticket struct {
	Key      string `json:"key"`
	Project  string `json:"project"`
	Summary  string `json:"summary,omitempty"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Type     string `json:"type,omitempty"`
	Created  string `json:"created"`
	Resolved string `json:"resolved,omitempty"`
}

// TicketRef is the key/URL pair returned by mutations.
type TicketRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type Project struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Lead        string `json:"lead,omitempty"`
	CreatedAt   string `json:"created_at"`
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
	Created  string `json:"created"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	Project   string `json:"project,omitempty"`
	TicketKey string `json:"ticket_key,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// InstructionReply is the session's answer to one instruction.
type InstructionReply struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Text      string          `json:"text"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// TicketFields carries the writable fields of a ticket.
type TicketFields struct {
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Epic        string `json:"epic,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Instruct submits a natural-language instruction to a session. An empty
// sessionID lets the server mint one; the reply carries the id to reuse.
func (c *Client) Instruct(ctx context.Context, sessionID, text string) (InstructionReply, error) {
	if sessionID == "" {
		sessionID = "default"
	}
	var resp InstructionReply
	endpoint := fmt.Sprintf("v0/sessions/%s/instructions", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": text}, &resp)
	return resp, err
}

// CreateTicket creates a ticket in a project.
func (c *Client) CreateTicket(ctx context.Context, project string, fields TicketFields) (TicketRef, error) {
	var resp TicketRef
	endpoint := fmt.Sprintf("v0/projects/%s/tickets", url.PathEscape(project))
	err := c.do(ctx, http.MethodPost, endpoint, fields, &resp)
	return resp, err
}

// GetTicket fetches one ticket.
func (c *Client) GetTicket(ctx context.Context, key string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "v0/tickets/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// EditTicket updates summary, description or priority.
func (c *Client) EditTicket(ctx context.Context, key string, fields TicketFields) (TicketRef, error) {
	var resp TicketRef
	err := c.do(ctx, http.MethodPatch, "v0/tickets/"+url.PathEscape(key), fields, &resp)
	return resp, err
}

// Assign sets the ticket assignee by name, email or account id.
func (c *Client) Assign(ctx context.Context, key, assignee string) (TicketRef, error) {
	var resp TicketRef
	endpoint := fmt.Sprintf("v0/tickets/%s/assign", url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

// Transition moves a ticket to a target workflow status.
func (c *Client) Transition(ctx context.Context, key, status string) (TicketRef, error) {
	var resp TicketRef
	endpoint := fmt.Sprintf("v0/tickets/%s/transition", url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Search runs a ticket query.
func (c *Client) Search(ctx context.Context, query string) ([]Ticket, error) {
	var resp struct {
		Items []Ticket `json:"items"`
	}
	endpoint := "v0/tickets"
	if query != "" {
		endpoint += "?query=" + url.QueryEscape(query)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Items, err
}

// ListUsers returns users for a project.
func (c *Client) ListUsers(ctx context.Context, project string) ([]User, error) {
	var resp struct {
		Items []User `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/projects/%s/users", url.PathEscape(project))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateEpic creates an epic in a project.
func (c *Client) CreateEpic(ctx context.Context, project, summary, description, assignee string) (TicketRef, error) {
	var resp TicketRef
	endpoint := fmt.Sprintf("v0/projects/%s/epics", url.PathEscape(project))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"summary": summary, "description": description, "assignee": assignee,
	}, &resp)
	return resp, err
}

// ListEpics returns epics for a project.
func (c *Client) ListEpics(ctx context.Context, project string) ([]Epic, error) {
	var resp struct {
		Items []Epic `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/projects/%s/epics", url.PathEscape(project))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// LinkEpic links a ticket to an epic.
func (c *Client) LinkEpic(ctx context.Context, ticketKey, epicKey string) (TicketRef, error) {
	var resp TicketRef
	endpoint := fmt.Sprintf("v0/tickets/%s/epic", url.PathEscape(ticketKey))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"epic": epicKey}, &resp)
	return resp, err
}

// Report returns the summary for one grouping (assignee, project, status,
// priority), optionally scoped to a project.
func (c *Client) Report(ctx context.Context, grouping, project string) (json.RawMessage, error) {
	var resp struct {
		Summary json.RawMessage `json:"summary"`
	}
	endpoint := "v0/reports/" + url.PathEscape(grouping)
	if project != "" {
		endpoint += "?project=" + url.QueryEscape(project)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Summary, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
