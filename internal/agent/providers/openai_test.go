package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

func testEnv(t *testing.T, baseURL string) config.EnvSnapshot {
	t.Helper()
	return config.CaptureEnv(map[string]string{
		"OPENAI_API_KEY":  "test-key",
		"OPENAI_BASE_URL": baseURL,
	})
}

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) (*OpenAIComputerUse, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	loop, err := NewOpenAIComputerUse(llm.ProviderConfig{
		Provider: "openai",
		Model:    "computer-use-preview",
		Env:      testEnv(t, server.URL),
	})
	if err != nil {
		t.Fatal(err)
	}
	return loop.(*OpenAIComputerUse), server
}

func TestOpenAIStepDecodesComputerCall(t *testing.T) {
	var captured oaiRequest
	adapter, _ := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "resp_1",
			"output": [
				{"type":"reasoning","summary":[{"type":"summary_text","text":"need to click submit"}]},
				{"type":"computer_call","call_id":"call_a","status":"completed",
				 "action":{"type":"click","button":"left","x":100,"y":200},
				 "pending_safety_checks":[{"id":"sc1","code":"sensitive_domain"}]}
			],
			"usage": {"input_tokens": 120, "output_tokens": 30, "total_tokens": 150}
		}`))
	})

	req := &llm.ChatRequest{
		Messages: []models.Message{models.UserText("click submit")},
		Display:  llm.Display{Width: 1024, Height: 768, OS: "linux"},
	}
	resp, err := adapter.Step(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if len(captured.Tools) != 1 || captured.Tools[0].Type != "computer_use_preview" {
		t.Errorf("tools = %+v", captured.Tools)
	}
	if captured.Tools[0].DisplayWidth != 1024 || captured.Tools[0].DisplayHeight != 768 {
		t.Errorf("display dims = %+v", captured.Tools[0])
	}
	if captured.Tools[0].Environment != "linux" {
		t.Errorf("environment = %q", captured.Tools[0].Environment)
	}

	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d", len(resp.Messages))
	}
	if resp.Messages[0].Type != models.MessageReasoning {
		t.Errorf("first = %s", resp.Messages[0].Type)
	}
	call := resp.Messages[1]
	if call.Type != models.MessageComputerCall || call.CallID != "call_a" {
		t.Fatalf("call = %+v", call)
	}
	if call.Action.X != 100 || call.Action.Y != 200 {
		t.Errorf("action = %+v", call.Action)
	}
	if len(call.PendingSafetyChecks) != 1 || call.PendingSafetyChecks[0].ID != "sc1" {
		t.Errorf("safety checks = %+v", call.PendingSafetyChecks)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.TotalTokens != 150 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIStepSendsDeltaAfterFirstTurn(t *testing.T) {
	turn := 0
	var second oaiRequest
	adapter, _ := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		turn++
		var req oaiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if turn == 2 {
			second = req
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_` + map[int]string{1: "a", 2: "b"}[turn] + `",
			"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"ok"}]}],
			"usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}`))
	})

	history := []models.Message{models.UserText("task")}
	resp, err := adapter.Step(context.Background(), &llm.ChatRequest{Messages: history})
	if err != nil {
		t.Fatal(err)
	}
	history = append(history, resp.Messages...)
	history = append(history, models.Message{
		Type:   models.MessageComputerCallOutput,
		CallID: "call_x",
		Output: &models.ContentPart{Type: models.ContentComputerScreenshot, ImageURL: "data:image/png;base64,AA=="},
	})

	if _, err := adapter.Step(context.Background(), &llm.ChatRequest{Messages: history}); err != nil {
		t.Fatal(err)
	}
	if second.PreviousResponseID != "resp_a" {
		t.Errorf("previous_response_id = %q", second.PreviousResponseID)
	}
	// Only the delta (the call output) is resent.
	if len(second.Input) != 1 || second.Input[0].Type != "computer_call_output" {
		t.Errorf("second input = %+v", second.Input)
	}
}

func TestOpenAIStepClassifiesStatuses(t *testing.T) {
	status := 500
	adapter, _ := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	})

	_, err := adapter.Step(context.Background(), &llm.ChatRequest{Messages: []models.Message{models.UserText("x")}})
	if !fault.IsTransport(err) {
		t.Errorf("5xx must be transport, got %v", err)
	}

	status = 400
	_, err = adapter.Step(context.Background(), &llm.ChatRequest{Messages: []models.Message{models.UserText("x")}})
	if !fault.IsTarget(err) {
		t.Errorf("4xx must be target, got %v", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAIComputerUse(llm.ProviderConfig{
		Provider: "openai",
		Env:      config.CaptureEnv(map[string]string{"OPENAI_API_KEY": ""}),
	})
	if err == nil {
		t.Error("expected configuration error without API key")
	}
}
