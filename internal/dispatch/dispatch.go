// Package dispatch executes resolved intents against the tracker
// collaborator. It owns the retry/backoff policy for reads, the
// exactly-once rule for mutations, and the mapping of collaborator
// failures to the structured result taxonomy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackpilot/internal/domain"
	"trackpilot/internal/registry"
	"trackpilot/internal/resolver"
	"trackpilot/internal/tracker"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindIllegalTransition ErrorKind = "illegal_transition"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindNotFound          ErrorKind = "not_found"
	KindTransient         ErrorKind = "transient"
	// KindIndeterminate marks a mutation whose outcome is unknown after a
	// failure; it is never retried from this layer.
	KindIndeterminate ErrorKind = "indeterminate"
	KindUnavailable   ErrorKind = "collaborator_unavailable"
)

// ExecutionError is the structured failure attached to a result.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// ExecutionResult is always returned, success or not; raw transport
// failures never propagate to the caller.
type ExecutionResult struct {
	Operation string          `json:"operation"`
	Success   bool            `json:"success"`
	Attempts  int             `json:"attempts"`
	Payload   any             `json:"payload,omitempty"`
	Error     *ExecutionError `json:"error,omitempty"`
}

// Operation-specific payloads.
type TicketRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type TransitionedTicket struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type EpicLink struct {
	Ticket string `json:"ticket"`
	Epic   string `json:"epic"`
	URL    string `json:"url"`
}

// Policy bounds external calls.
type Policy struct {
	MaxReadAttempts int
	Backoff         time.Duration
	CallTimeout     time.Duration
	// SearchWindow bounds unconstrained searches to avoid unbounded
	// queries against the tracker.
	SearchWindow time.Duration
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxReadAttempts: 3,
		Backoff:         250 * time.Millisecond,
		CallTimeout:     15 * time.Second,
		SearchWindow:    180 * 24 * time.Hour,
	}
}

// Executor dispatches resolved intents. Sleep is replaceable in tests.
type Executor struct {
	Registry *registry.Registry
	Tracker  tracker.Client
	Policy   Policy
	Now      func() time.Time
	Sleep    func(time.Duration)
}

func New(reg *registry.Registry, client tracker.Client, policy Policy) *Executor {
	return &Executor{
		Registry: reg,
		Tracker:  client,
		Policy:   policy,
		Now:      time.Now,
		Sleep:    time.Sleep,
	}
}

// Execute runs one resolved intent to a structured result. The intent is
// re-validated against the registry first; a stale or forged intent fails
// without any external call.
func (e *Executor) Execute(ctx context.Context, intent resolver.ResolvedIntent) ExecutionResult {
	spec, err := e.Registry.Lookup(intent.Operation)
	if err != nil {
		return failure(intent.Operation, 0, KindValidation, err.Error())
	}
	if verrs := e.Registry.Validate(spec.Name, intent.Params); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.Error()
		}
		return failure(spec.Name, 0, KindValidation, strings.Join(msgs, "; "))
	}

	if spec.Mutating {
		// Mutations run exactly once: tracker writes are not known to be
		// idempotent, so a failed attempt is reported, never repeated.
		payload, err := e.dispatch(ctx, spec.Name, intent.Params)
		if err != nil {
			return failure(spec.Name, 1, classifyMutation(err), err.Error())
		}
		return ExecutionResult{Operation: spec.Name, Success: true, Attempts: 1, Payload: payload}
	}
	return e.executeRead(ctx, spec.Name, intent.Params)
}

func (e *Executor) executeRead(ctx context.Context, op string, params map[string]string) ExecutionResult {
	attempts := 0
	backoff := e.Policy.Backoff
	for {
		attempts++
		payload, err := e.dispatch(ctx, op, params)
		if err == nil {
			return ExecutionResult{Operation: op, Success: true, Attempts: attempts, Payload: payload}
		}
		kind := classifyRead(err)
		if kind != KindTransient || attempts >= e.Policy.MaxReadAttempts || ctx.Err() != nil {
			return failure(op, attempts, kind, err.Error())
		}
		e.Sleep(backoff)
		backoff *= 2
	}
}

func (e *Executor) dispatch(ctx context.Context, op string, params map[string]string) (any, error) {
	if e.Policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Policy.CallTimeout)
		defer cancel()
	}
	switch op {
	case "create-ticket":
		key, err := e.Tracker.CreateTicket(ctx, params["project"], tracker.TicketFields{
			Summary:     params["summary"],
			Description: params["description"],
			Type:        params["type"],
			Priority:    params["priority"],
			Assignee:    params["assignee"],
			EpicKey:     params["epic"],
		})
		if err != nil {
			return nil, err
		}
		return TicketRef{Key: key, URL: e.Tracker.TicketURL(key)}, nil
	case "edit-ticket":
		key := params["ticket"]
		err := e.Tracker.EditTicket(ctx, key, tracker.TicketFields{
			Summary:     params["summary"],
			Description: params["description"],
			Priority:    params["priority"],
		})
		if err != nil {
			return nil, err
		}
		return TicketRef{Key: key, URL: e.Tracker.TicketURL(key)}, nil
	case "assign-ticket":
		key := params["ticket"]
		if err := e.Tracker.Assign(ctx, key, params["assignee"]); err != nil {
			return nil, err
		}
		return TicketRef{Key: key, URL: e.Tracker.TicketURL(key)}, nil
	case "change-status":
		key := params["ticket"]
		if err := e.Tracker.Transition(ctx, key, params["status"]); err != nil {
			return nil, err
		}
		return TransitionedTicket{Key: key, Status: params["status"], URL: e.Tracker.TicketURL(key)}, nil
	case "search-tickets":
		return e.Tracker.Search(ctx, e.boundQuery(params["query"]))
	case "get-ticket":
		return e.Tracker.GetTicket(ctx, params["ticket"])
	case "get-url":
		return TicketRef{Key: params["ticket"], URL: e.Tracker.TicketURL(params["ticket"])}, nil
	case "list-projects":
		return e.Tracker.ListProjects(ctx)
	case "list-users":
		return e.Tracker.ListUsers(ctx, params["project"])
	case "create-epic":
		key, err := e.Tracker.CreateEpic(ctx, params["project"], params["summary"], params["description"], params["assignee"])
		if err != nil {
			return nil, err
		}
		return TicketRef{Key: key, URL: e.Tracker.TicketURL(key)}, nil
	case "list-epics":
		return e.Tracker.ListEpics(ctx, params["project"])
	case "link-epic":
		ticketKey, epicKey := params["ticket"], params["epic"]
		if err := e.Tracker.LinkToEpic(ctx, ticketKey, epicKey); err != nil {
			return nil, err
		}
		return EpicLink{Ticket: ticketKey, Epic: epicKey, URL: e.Tracker.TicketURL(ticketKey)}, nil
	default:
		return nil, fmt.Errorf("operation %q: %w", op, registry.ErrNotFound)
	}
}

// boundQuery appends a created-window clause to searches that carry no date
// restriction of their own.
func (e *Executor) boundQuery(query string) string {
	if e.Policy.SearchWindow <= 0 {
		return query
	}
	lowered := strings.ToLower(query)
	if strings.Contains(lowered, "created") || strings.Contains(lowered, "updated") {
		return query
	}
	cutoff := e.Now().Add(-e.Policy.SearchWindow).Format("2006-01-02")
	return fmt.Sprintf("%s AND created >= '%s'", query, cutoff)
}

func classifyRead(err error) ErrorKind {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return KindNotFound
	case errors.Is(err, tracker.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, tracker.ErrUnavailable):
		return KindUnavailable
	case tracker.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var ite *tracker.IllegalTransitionError
	if errors.As(err, &ite) {
		return KindIllegalTransition
	}
	return KindTransient
}

// classifyMutation reports mutation failures. A transient failure or
// timeout during a write means the outcome is unknown: Indeterminate,
// never a retry.
func classifyMutation(err error) ErrorKind {
	kind := classifyRead(err)
	if kind == KindTransient {
		return KindIndeterminate
	}
	return kind
}

func failure(op string, attempts int, kind ErrorKind, msg string) ExecutionResult {
	return ExecutionResult{
		Operation: op,
		Attempts:  attempts,
		Error:     &ExecutionError{Kind: kind, Message: msg},
	}
}

// Describe renders a result payload for plain-text surfaces.
func Describe(res ExecutionResult) string {
	if !res.Success {
		return fmt.Sprintf("%s failed: %s", res.Operation, res.Error.Message)
	}
	switch p := res.Payload.(type) {
	case TicketRef:
		return fmt.Sprintf("%s succeeded: %s (%s)", res.Operation, p.Key, p.URL)
	case TransitionedTicket:
		return fmt.Sprintf("%s: %s is now %s (%s)", res.Operation, p.Key, p.Status, p.URL)
	case EpicLink:
		return fmt.Sprintf("linked %s to epic %s (%s)", p.Ticket, p.Epic, p.URL)
	case domain.TicketRecord:
		return fmt.Sprintf("%s: %s [%s] %s", res.Operation, p.Key, p.Status, p.Summary)
	case []domain.TicketRecord:
		return fmt.Sprintf("%s matched %d tickets", res.Operation, len(p))
	default:
		return fmt.Sprintf("%s succeeded", res.Operation)
	}
}
