package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"trackpilot/internal/agent"
	"trackpilot/internal/analytics"
	"trackpilot/internal/config"
	"trackpilot/internal/db"
	"trackpilot/internal/dispatch"
	"trackpilot/internal/migrate"
	"trackpilot/internal/registry"
	"trackpilot/internal/tracker"
	"trackpilot/internal/tracker/local"
)

type stubInference struct {
	response string
	err      error
}

func (s *stubInference) Infer(ctx context.Context, system, prompt string) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.response), nil
}

func newAgent(t *testing.T, inf *stubInference) (*agent.Agent, *local.Tracker) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO projects(key,name,created_at) VALUES ('DEMO','Demo','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	trk := local.New(conn, "")
	eng := analytics.New(config.Default().Analytics)
	policy := dispatch.Policy{MaxReadAttempts: 2, Backoff: time.Millisecond}
	return agent.New(registry.New(), inf, trk, eng, policy, 10), trk
}

func seedTicket(t *testing.T, trk *local.Tracker) string {
	t.Helper()
	key, err := trk.CreateTicket(context.Background(), "DEMO", tracker.TicketFields{
		Summary: "Login loop", Type: "Bug", Priority: "High",
	})
	if err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	return key
}

func TestHandleExecutesResolvedIntent(t *testing.T) {
	inf := &stubInference{}
	a, trk := newAgent(t, inf)
	key := seedTicket(t, trk)
	inf.response = `{"operation":"get-ticket","parameters":{"ticket":"` + key + `"}}`

	reply, err := a.Session("s1").Handle(context.Background(), "show "+key)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != agent.ReplyResult {
		t.Fatalf("kind = %s", reply.Kind)
	}
	if reply.Result == nil || !reply.Result.Success {
		t.Fatalf("result = %+v", reply.Result)
	}
	if !strings.Contains(reply.Text, key) {
		t.Fatalf("text = %q", reply.Text)
	}
}

func TestHandleClarifiesMissingParams(t *testing.T) {
	inf := &stubInference{response: `{"operation":"create-ticket","parameters":{"project":"DEMO"}}`}
	a, _ := newAgent(t, inf)

	reply, err := a.Session("s1").Handle(context.Background(), "make a ticket")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != agent.ReplyClarify {
		t.Fatalf("kind = %s", reply.Kind)
	}
	if !strings.Contains(reply.Text, "summary") {
		t.Fatalf("clarify text does not name the missing parameter: %q", reply.Text)
	}
}

func TestHandleUnrecognizedInstruction(t *testing.T) {
	inf := &stubInference{response: `{"operation":"none"}`}
	a, _ := newAgent(t, inf)

	reply, err := a.Session("s1").Handle(context.Background(), "sing a song")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != agent.ReplyClarify {
		t.Fatalf("kind = %s", reply.Kind)
	}
}

func TestHandleCollaboratorUnavailable(t *testing.T) {
	inf := &stubInference{err: errors.New("model overloaded")}
	a, _ := newAgent(t, inf)

	reply, err := a.Session("s1").Handle(context.Background(), "assign DEMO-1 to Alice")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != agent.ReplyError {
		t.Fatalf("kind = %s", reply.Kind)
	}
	if !strings.Contains(reply.Text, "not executed") {
		t.Fatalf("text = %q", reply.Text)
	}
}

func TestHandleReportsFailedExecution(t *testing.T) {
	inf := &stubInference{response: `{"operation":"get-ticket","parameters":{"ticket":"DEMO-99"}}`}
	a, _ := newAgent(t, inf)

	reply, err := a.Session("s1").Handle(context.Background(), "show DEMO-99")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Kind != agent.ReplyResult {
		t.Fatalf("kind = %s", reply.Kind)
	}
	if reply.Result.Success {
		t.Fatal("missing ticket reported as success")
	}
	if reply.Result.Error.Kind != dispatch.KindNotFound {
		t.Fatalf("error kind = %s", reply.Result.Error.Kind)
	}
}

func TestSessionsAreStable(t *testing.T) {
	a, _ := newAgent(t, &stubInference{response: `{"operation":"none"}`})
	s1 := a.Session("alpha")
	if a.Session("alpha") != s1 {
		t.Fatal("same id returned a different session")
	}
	anon := a.Session("")
	if anon.ID() == "" || anon.ID() == s1.ID() {
		t.Fatalf("anonymous session id = %q", anon.ID())
	}
	if a.Session("beta") == s1 {
		t.Fatal("distinct ids share a session")
	}
}

func TestReportAndOverview(t *testing.T) {
	inf := &stubInference{}
	a, trk := newAgent(t, inf)
	key := seedTicket(t, trk)
	seedTicket(t, trk)
	if err := trk.Transition(context.Background(), key, "Done"); err != nil {
		t.Fatal(err)
	}

	summary, err := a.Report(context.Background(), "DEMO", analytics.GroupStatus)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if summary.Total != 2 {
		t.Fatalf("total = %d", summary.Total)
	}

	ov, err := a.Overview(context.Background(), "DEMO")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.Total != 2 || ov.Resolved != 1 {
		t.Fatalf("overview = %+v", ov)
	}

	trend, err := a.Trends(context.Background(), "DEMO", analytics.IntervalDay, analytics.ByCreated)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(trend.Buckets) == 0 {
		t.Fatal("trend has no buckets")
	}
}
