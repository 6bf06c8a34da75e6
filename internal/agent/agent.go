// Package agent orchestrates natural-language sessions: bounded
// conversation context, resolve then execute, clarifying replies for
// unresolvable instructions, and analytics report routing. One session is
// strictly sequential; independent sessions share nothing mutable beyond
// the read-only registry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackpilot/internal/analytics"
	"trackpilot/internal/dispatch"
	"trackpilot/internal/domain"
	"trackpilot/internal/registry"
	"trackpilot/internal/resolver"
	"trackpilot/internal/tracker"
)

// ReplyKind tells the caller how to present a reply.
type ReplyKind string

const (
	ReplyResult  ReplyKind = "result"
	ReplyClarify ReplyKind = "clarify"
	ReplyError   ReplyKind = "error"
)

// Reply is the session's answer to one instruction.
type Reply struct {
	Kind   ReplyKind                 `json:"kind"`
	Text   string                    `json:"text"`
	Result *dispatch.ExecutionResult `json:"result,omitempty"`
}

// SessionScoper is implemented by tracker backends that stamp audit events
// with a session id.
type SessionScoper interface {
	ForSession(id string) tracker.Client
}

// Agent wires the registry, resolver, executor, and analytics engine for
// one process and hands out sessions.
type Agent struct {
	Registry  *registry.Registry
	Inference resolver.InferenceClient
	Tracker   tracker.Client
	Analytics *analytics.Engine
	Policy    dispatch.Policy
	History   int
	Logger    *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(reg *registry.Registry, inf resolver.InferenceClient, trk tracker.Client, eng *analytics.Engine, policy dispatch.Policy, historyTurns int) *Agent {
	return &Agent{
		Registry:  reg,
		Inference: inf,
		Tracker:   trk,
		Analytics: eng,
		Policy:    policy,
		History:   historyTurns,
		sessions:  make(map[string]*Session),
	}
}

// Session returns the session for id, creating it on first use. An empty
// id gets a fresh random session.
func (a *Agent) Session(id string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := a.sessions[id]; ok {
		return s
	}
	trk := a.Tracker
	if scoper, ok := trk.(SessionScoper); ok {
		trk = scoper.ForSession(id)
	}
	s := &Session{
		id:       id,
		history:  resolver.NewHistory(a.History),
		resolver: resolver.New(a.Registry, a.Inference),
		executor: dispatch.New(a.Registry, trk, a.Policy),
		logger:   a.Logger,
	}
	a.sessions[id] = s
	return s
}

// Session holds one conversation. Handle serializes on the session mutex,
// so a session never has two instructions in flight.
type Session struct {
	id       string
	mu       sync.Mutex
	history  *resolver.History
	resolver *resolver.Resolver
	executor *dispatch.Executor
	logger   *log.Logger
}

func (s *Session) ID() string { return s.id }

// Handle resolves and executes one instruction. Unresolvable instructions
// come back as clarifying replies; execution failures come back as
// structured results. Handle itself errors only on context cancellation.
func (s *Session) Handle(ctx context.Context, instruction string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history.Add("user", instruction)
	intent, err := s.resolver.Resolve(ctx, instruction, s.history)
	if err != nil {
		reply := s.resolutionReply(err)
		if reply.Kind == "" {
			return Reply{}, err
		}
		s.history.Add("assistant", reply.Text)
		return reply, nil
	}

	if s.logger != nil {
		s.logger.Printf("session %s: dispatching %s", s.id, intent.Operation)
	}
	res := s.executor.Execute(ctx, intent)
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}
	text := dispatch.Describe(res)
	s.history.Add("assistant", text)
	return Reply{Kind: ReplyResult, Text: text, Result: &res}, nil
}

// resolutionReply turns a resolver failure into a clarifying reply. An
// unexpected error type returns a zero reply so Handle can propagate it.
func (s *Session) resolutionReply(err error) Reply {
	var amb *resolver.AmbiguousError
	if errors.As(err, &amb) {
		if len(amb.Missing) > 0 {
			return Reply{
				Kind: ReplyClarify,
				Text: fmt.Sprintf("To run %s I still need: %s. Could you fill those in?",
					amb.Operation, strings.Join(amb.Missing, ", ")),
			}
		}
		return Reply{
			Kind: ReplyClarify,
			Text: fmt.Sprintf("I matched %s but couldn't use what you gave me: %s.",
				amb.Operation, strings.Join(amb.Reasons, "; ")),
		}
	}
	var unrec *resolver.UnrecognizedError
	if errors.As(err, &unrec) {
		return Reply{
			Kind: ReplyClarify,
			Text: `I couldn't match that to a tracker operation. Try something like "assign DEMO-12 to Alice" or "show tickets in DEMO".`,
		}
	}
	var collab *resolver.CollaboratorError
	if errors.As(err, &collab) {
		if s.logger != nil {
			s.logger.Printf("session %s: %v", s.id, collab)
		}
		return Reply{
			Kind: ReplyError,
			Text: "The language service is unavailable right now; the instruction was not executed. Please retry.",
		}
	}
	return Reply{}
}

// Report summarizes the current ticket snapshot by grouping, optionally
// restricted to one project.
func (a *Agent) Report(ctx context.Context, project string, grouping analytics.Grouping) (analytics.Summary, error) {
	records, err := a.snapshot(ctx, project)
	if err != nil {
		return analytics.Summary{}, err
	}
	return a.Analytics.Summarize(records, grouping)
}

// Overview computes the snapshot-wide rollup.
func (a *Agent) Overview(ctx context.Context, project string) (analytics.Overview, error) {
	records, err := a.snapshot(ctx, project)
	if err != nil {
		return analytics.Overview{}, err
	}
	return a.Analytics.Overview(records), nil
}

// Trends buckets the snapshot by interval over the chosen timestamp.
func (a *Agent) Trends(ctx context.Context, project string, interval analytics.Interval, field analytics.TimeField) (analytics.Trend, error) {
	records, err := a.snapshot(ctx, project)
	if err != nil {
		return analytics.Trend{}, err
	}
	return a.Analytics.Trend(records, interval, field)
}

// snapshot fetches the ticket records a report runs over, through the
// executor so reads get the usual retry and window bounding.
func (a *Agent) snapshot(ctx context.Context, project string) ([]domain.TicketRecord, error) {
	cutoff := "0001-01-01"
	if a.Policy.SearchWindow > 0 {
		cutoff = time.Now().UTC().Add(-a.Policy.SearchWindow).Format("2006-01-02")
	}
	query := fmt.Sprintf("created >= '%s'", cutoff)
	if project != "" {
		query = fmt.Sprintf("project = %s AND %s", project, query)
	}
	exec := dispatch.New(a.Registry, a.Tracker, a.Policy)
	res := exec.Execute(ctx, resolver.ResolvedIntent{
		Operation: "search-tickets",
		Params:    map[string]string{"query": query},
	})
	if !res.Success {
		return nil, res.Error
	}
	records, _ := res.Payload.([]domain.TicketRecord)
	return records, nil
}
