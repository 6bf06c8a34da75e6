package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trackpilot/internal/agent"
	"trackpilot/internal/analytics"
	"trackpilot/internal/config"
	"trackpilot/internal/db"
	"trackpilot/internal/dispatch"
	"trackpilot/internal/migrate"
	"trackpilot/internal/registry"
	"trackpilot/internal/server"
	"trackpilot/internal/tracker/local"
)

const testSecret = "test-secret"

type stubInference struct {
	response string
}

func (s *stubInference) Infer(ctx context.Context, system, prompt string) (json.RawMessage, error) {
	return json.RawMessage(s.response), nil
}

func newServer(t *testing.T, allowAnon bool, inf *stubInference) (*httptest.Server, *sql.DB) {
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
	if inf == nil {
		inf = &stubInference{response: `{"operation":"none"}`}
	}
	trk := local.New(conn, "")
	a := agent.New(registry.New(), inf, trk, analytics.New(config.Default().Analytics),
		dispatch.Policy{MaxReadAttempts: 2, Backoff: time.Millisecond}, 10)
	handler, err := server.New(server.Config{
		Agent:   a,
		Tracker: trk,
		DB:      conn,
		Auth:    server.AuthConfig{JWTSecret: testSecret, AllowAnon: allowAnon},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, conn
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("bad error body %s: %v", body, err)
	}
	return envelope.Error.Code
}

func TestHealthOpenWithoutCredentials(t *testing.T) {
	srv, _ := newServer(t, false, nil)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _ := newServer(t, false, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, conn := newServer(t, false, nil)
	_, raw, err := server.CreateAPIKey(context.Background(), conn, "ci-bot", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with key = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "tp_bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bogus key = %d", resp.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, _ := newServer(t, false, nil)
	sign := func(secret, subject string) string {
		claims := jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return token
	}

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil,
		map[string]string{"Authorization": "Bearer " + sign(testSecret, "dev")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with valid token = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil,
		map[string]string{"Authorization": "Bearer " + sign("wrong-secret", "dev")})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with forged token = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil,
		map[string]string{"Authorization": "Bearer " + sign(testSecret, "")})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without subject = %d", resp.StatusCode)
	}
}

func TestCreateTicketAppliesDefaults(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/DEMO/tickets",
		map[string]string{"summary": "Login loop"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var ref struct {
		Key string `json:"key"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &ref); err != nil {
		t.Fatal(err)
	}
	if ref.Key != "DEMO-1" {
		t.Fatalf("key = %s", ref.Key)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/tickets/DEMO-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var rec struct {
		Type     string `json:"type"`
		Priority string `json:"priority"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Type != "Task" || rec.Priority != "Medium" || rec.Status != "To Do" {
		t.Fatalf("defaults not applied: %+v", rec)
	}
}

func TestCreateTicketRequiresSummary(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/DEMO/tickets",
		map[string]string{"description": "no summary"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
}

func TestIllegalTransitionEnvelope(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	if resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/DEMO/tickets",
		map[string]string{"summary": "x"}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", resp.StatusCode, body)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/tickets/DEMO-1/transition",
		map[string]string{"status": "In Review"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				From    string   `json:"from"`
				To      string   `json:"to"`
				Allowed []string `json:"allowed"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("bad body %s: %v", body, err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details.From != "To Do" || len(envelope.Error.Details.Allowed) == 0 {
		t.Fatalf("details = %+v", envelope.Error.Details)
	}
}

func TestMissingTicketReturns404(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/tickets/DEMO-99", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "not_found" {
		t.Fatalf("code = %s", code)
	}
}

func TestInstructionEndpoint(t *testing.T) {
	inf := &stubInference{response: `{"operation":"list-projects","parameters":{}}`}
	srv, _ := newServer(t, true, inf)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/sessions/s1/instructions",
		map[string]string{"text": "list the projects"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var reply struct {
		SessionID string `json:"session_id"`
		Kind      string `json:"kind"`
		Result    *struct {
			Success bool `json:"success"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.SessionID != "s1" || reply.Kind != "result" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Result == nil || !reply.Result.Success {
		t.Fatalf("result = %+v", reply.Result)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/sessions/s1/instructions",
		map[string]string{"text": "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank text status = %d", resp.StatusCode)
	}
}

func TestReportEndpoints(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	for i := 0; i < 3; i++ {
		if resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/DEMO/tickets",
			map[string]string{"summary": fmt.Sprintf("ticket %d", i)}, nil); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status = %d body = %s", resp.StatusCode, body)
		}
	}
	if resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/tickets/DEMO-1/transition",
		map[string]string{"status": "Done"}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d body = %s", resp.StatusCode, body)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/reports/overview?project=DEMO", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status = %d body = %s", resp.StatusCode, body)
	}
	var ov struct {
		Overview struct {
			Total    int `json:"total"`
			Resolved int `json:"resolved"`
		} `json:"overview"`
	}
	if err := json.Unmarshal(body, &ov); err != nil {
		t.Fatal(err)
	}
	if ov.Overview.Total != 3 || ov.Overview.Resolved != 1 {
		t.Fatalf("overview = %+v", ov.Overview)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/reports/status?project=DEMO", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grouping status = %d body = %s", resp.StatusCode, body)
	}
	var report struct {
		Summary struct {
			Total  int `json:"total"`
			Groups []struct {
				Key   string `json:"key"`
				Count int    `json:"count"`
			} `json:"groups"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if report.Summary.Total != 3 || len(report.Summary.Groups) != 2 {
		t.Fatalf("summary = %+v", report.Summary)
	}
}

func TestEventsEndpointListsAudit(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	if resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/projects/DEMO/tickets",
		map[string]string{"summary": "x"}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", resp.StatusCode, body)
	}
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Items []struct {
			Type      string `json:"type"`
			TicketKey string `json:"ticket_key"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != "ticket.created" {
		t.Fatalf("items = %+v", list.Items)
	}
}

func TestAPIKeyLifecycleEndpoints(t *testing.T) {
	srv, _ := newServer(t, true, nil)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/api-keys",
		map[string]string{"subject": "ci-bot", "name": "ci"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var created struct {
		Key struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
		} `json:"key"`
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Raw == "" || created.Key.Subject != "ci-bot" {
		t.Fatalf("created = %+v", created)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/api-keys", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("items = %+v", list.Items)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v0/api-keys/"+created.Key.ID, nil, nil)
	if resp.StatusCode >= 300 {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}
