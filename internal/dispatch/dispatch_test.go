package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trackpilot/internal/dispatch"
	"trackpilot/internal/domain"
	"trackpilot/internal/registry"
	"trackpilot/internal/resolver"
	"trackpilot/internal/tracker"
)

// fakeTracker scripts per-call failures and records invocations.
type fakeTracker struct {
	createCalls  int
	searchCalls  int
	searchQuery  string
	failFirst    int
	failWith     error
	searchResult []domain.TicketRecord
}

func (f *fakeTracker) CreateTicket(ctx context.Context, project string, fields tracker.TicketFields) (string, error) {
	f.createCalls++
	if f.failWith != nil {
		return "", f.failWith
	}
	return project + "-1", nil
}

func (f *fakeTracker) EditTicket(ctx context.Context, key string, fields tracker.TicketFields) error {
	return f.failWith
}

func (f *fakeTracker) Assign(ctx context.Context, key, accountID string) error { return f.failWith }

func (f *fakeTracker) Transition(ctx context.Context, key, targetStatus string) error {
	return f.failWith
}

func (f *fakeTracker) Search(ctx context.Context, query string) ([]domain.TicketRecord, error) {
	f.searchCalls++
	f.searchQuery = query
	if f.searchCalls <= f.failFirst {
		return nil, &tracker.TransientError{Err: errors.New("timeout")}
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.searchResult, nil
}

func (f *fakeTracker) GetTicket(ctx context.Context, key string) (domain.TicketRecord, error) {
	if f.failWith != nil {
		return domain.TicketRecord{}, f.failWith
	}
	return domain.TicketRecord{Key: key}, nil
}

func (f *fakeTracker) ListProjects(ctx context.Context) ([]domain.Project, error) { return nil, nil }
func (f *fakeTracker) ListUsers(ctx context.Context, project string) ([]domain.User, error) {
	return nil, nil
}
func (f *fakeTracker) CreateEpic(ctx context.Context, project, summary, description, assignee string) (string, error) {
	return project + "-E1", f.failWith
}
func (f *fakeTracker) ListEpics(ctx context.Context, project string) ([]domain.Epic, error) {
	return nil, nil
}
func (f *fakeTracker) LinkToEpic(ctx context.Context, ticketKey, epicKey string) error {
	return f.failWith
}
func (f *fakeTracker) TicketURL(key string) string { return "http://tracker/browse/" + key }

func newExecutor(f *fakeTracker) *dispatch.Executor {
	exec := dispatch.New(registry.New(), f, dispatch.Policy{
		MaxReadAttempts: 3,
		Backoff:         time.Millisecond,
		SearchWindow:    180 * 24 * time.Hour,
	})
	exec.Sleep = func(time.Duration) {}
	exec.Now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return exec
}

func intent(op string, params map[string]string) resolver.ResolvedIntent {
	return resolver.ResolvedIntent{Operation: op, Params: params}
}

func TestMutationRunsExactlyOnce(t *testing.T) {
	f := &fakeTracker{failWith: &tracker.TransientError{Err: errors.New("conn reset")}}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("create-ticket", map[string]string{
		"project": "DEMO", "summary": "x", "type": "Task", "priority": "Medium",
	}))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if f.createCalls != 1 || res.Attempts != 1 {
		t.Fatalf("mutation retried: calls=%d attempts=%d", f.createCalls, res.Attempts)
	}
	if res.Error.Kind != dispatch.KindIndeterminate {
		t.Fatalf("kind = %s, want %s", res.Error.Kind, dispatch.KindIndeterminate)
	}
}

func TestMutationSuccessReportsURL(t *testing.T) {
	f := &fakeTracker{}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("create-ticket", map[string]string{
		"project": "DEMO", "summary": "x", "type": "Task", "priority": "Medium",
	}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res.Error)
	}
	ref, ok := res.Payload.(dispatch.TicketRef)
	if !ok {
		t.Fatalf("payload type %T", res.Payload)
	}
	if ref.Key != "DEMO-1" || ref.URL != "http://tracker/browse/DEMO-1" {
		t.Fatalf("unexpected ref %+v", ref)
	}
}

func TestReadRetriesTransientThenSucceeds(t *testing.T) {
	f := &fakeTracker{failFirst: 2}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("search-tickets", map[string]string{"query": "project = DEMO"}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res.Error)
	}
	if res.Attempts != 3 || f.searchCalls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", res.Attempts, f.searchCalls)
	}
}

func TestReadStopsAtAttemptCap(t *testing.T) {
	f := &fakeTracker{failFirst: 99}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("search-tickets", map[string]string{"query": "project = DEMO"}))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if res.Error.Kind != dispatch.KindTransient {
		t.Fatalf("kind = %s", res.Error.Kind)
	}
}

func TestReadDoesNotRetryNotFound(t *testing.T) {
	f := &fakeTracker{failWith: tracker.ErrNotFound}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("get-ticket", map[string]string{"ticket": "DEMO-9"}))
	if res.Success || res.Attempts != 1 {
		t.Fatalf("not-found retried: %+v", res)
	}
	if res.Error.Kind != dispatch.KindNotFound {
		t.Fatalf("kind = %s", res.Error.Kind)
	}
}

func TestIllegalTransitionKind(t *testing.T) {
	f := &fakeTracker{failWith: &tracker.IllegalTransitionError{
		Key: "DEMO-1", From: "To Do", To: "In Review", Allowed: []string{"In Progress", "Done"},
	}}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("change-status", map[string]string{
		"ticket": "DEMO-1", "status": "In Review",
	}))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Error.Kind != dispatch.KindIllegalTransition {
		t.Fatalf("kind = %s", res.Error.Kind)
	}
}

func TestExecuteRevalidates(t *testing.T) {
	f := &fakeTracker{}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("create-ticket", map[string]string{"project": "DEMO"}))
	if res.Success {
		t.Fatalf("expected validation failure")
	}
	if res.Error.Kind != dispatch.KindValidation {
		t.Fatalf("kind = %s", res.Error.Kind)
	}
	if f.createCalls != 0 {
		t.Fatalf("tracker called despite invalid intent")
	}
	res = exec.Execute(context.Background(), intent("nuke-tracker", nil))
	if res.Error == nil || res.Error.Kind != dispatch.KindValidation {
		t.Fatalf("unknown operation not rejected: %+v", res)
	}
}

func TestSearchWindowBound(t *testing.T) {
	f := &fakeTracker{}
	exec := newExecutor(f)
	res := exec.Execute(context.Background(), intent("search-tickets", map[string]string{"query": "project = DEMO"}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res.Error)
	}
	if want := "created >= '2025-12-03'"; !strings.Contains(f.searchQuery, want) {
		t.Fatalf("query not bounded: %q", f.searchQuery)
	}

	f.searchQuery = ""
	res = exec.Execute(context.Background(), intent("search-tickets", map[string]string{
		"query": "project = DEMO AND created >= '2026-01-01'",
	}))
	if !res.Success {
		t.Fatalf("execute failed: %+v", res.Error)
	}
	if strings.Count(f.searchQuery, "created") != 1 {
		t.Fatalf("explicit date clause rewritten: %q", f.searchQuery)
	}
}
