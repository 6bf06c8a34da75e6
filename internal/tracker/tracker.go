// Package tracker defines the contract the dispatch core requires from a
// ticket-tracker backend. Implementations are collaborators: the core never
// assumes how they talk to the real tracker, only that failures surface as
// the error kinds below.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"trackpilot/internal/domain"
)

// TicketFields carries the writable fields of a ticket. Zero values mean
// "leave unset" on create and "do not touch" on edit.
type TicketFields struct {
	Summary     string
	Description string
	Type        string
	Priority    string
	Assignee    string
	EpicKey     string
}

// Client is the tracker collaborator consumed by the dispatch executor.
type Client interface {
	CreateTicket(ctx context.Context, project string, fields TicketFields) (string, error)
	EditTicket(ctx context.Context, key string, fields TicketFields) error
	Assign(ctx context.Context, key, accountID string) error
	Transition(ctx context.Context, key, targetStatus string) error
	Search(ctx context.Context, query string) ([]domain.TicketRecord, error)
	GetTicket(ctx context.Context, key string) (domain.TicketRecord, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListUsers(ctx context.Context, project string) ([]domain.User, error)
	CreateEpic(ctx context.Context, project, summary, description, assignee string) (string, error)
	ListEpics(ctx context.Context, project string) ([]domain.Epic, error)
	LinkToEpic(ctx context.Context, ticketKey, epicKey string) error
	TicketURL(key string) string
}

// Sentinel failures every implementation maps onto.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("tracker unavailable")
)

// IllegalTransitionError reports a workflow-rejected status change. The
// tracker is the sole authority on transition legality.
type IllegalTransitionError struct {
	Key     string
	From    string
	To      string
	Allowed []string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Key, e.From, e.To)
}

// TransientError wraps a retryable failure (timeout, network blip). Reads
// may be retried; mutations must not be.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable for read-only operations.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
