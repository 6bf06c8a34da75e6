package inference_test

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"trackpilot/internal/inference"
)

type stubAPI struct {
	text   string
	err    error
	params anthropic.MessageNewParams
}

func (s *stubAPI) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: s.text},
		},
	}, nil
}

func newClient(api *stubAPI) *inference.Client {
	return inference.NewWithAPI(api, inference.Options{Model: "claude-3-5-haiku-latest"})
}

func TestInferExtractsJSONFromProse(t *testing.T) {
	api := &stubAPI{text: "Sure, here is the intent:\n{\"operation\": \"get-ticket\", \"params\": {\"key\": \"DEMO-1\"}}\nLet me know."}
	raw, err := newClient(api).Infer(context.Background(), "sys", "show DEMO-1")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	want := `{"operation": "get-ticket", "params": {"key": "DEMO-1"}}`
	if string(raw) != want {
		t.Fatalf("raw = %s", raw)
	}
}

func TestInferNestedBraces(t *testing.T) {
	api := &stubAPI{text: `{"operation":"create-ticket","params":{"summary":"a {weird} title"}}`}
	raw, err := newClient(api).Infer(context.Background(), "sys", "x")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if string(raw) != api.text {
		t.Fatalf("raw = %s", raw)
	}
}

func TestInferNoJSON(t *testing.T) {
	api := &stubAPI{text: "I cannot help with that."}
	if _, err := newClient(api).Infer(context.Background(), "sys", "x"); err == nil {
		t.Fatal("expected error for reply without JSON")
	}
}

func TestInferPropagatesAPIError(t *testing.T) {
	api := &stubAPI{err: errors.New("overloaded")}
	if _, err := newClient(api).Infer(context.Background(), "sys", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestInferSendsSystemAndPrompt(t *testing.T) {
	api := &stubAPI{text: `{}`}
	if _, err := newClient(api).Infer(context.Background(), "catalog here", "assign DEMO-1"); err != nil {
		t.Fatal(err)
	}
	if len(api.params.System) != 1 || api.params.System[0].Text != "catalog here" {
		t.Fatalf("system = %+v", api.params.System)
	}
	if api.params.Model != "claude-3-5-haiku-latest" {
		t.Fatalf("model = %s", api.params.Model)
	}
	if api.params.MaxTokens != 1024 {
		t.Fatalf("max tokens = %d", api.params.MaxTokens)
	}
}
