package agent

import (
	"context"
	"testing"

	"github.com/haasonsaas/cua/internal/callbacks"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// plannerScript emits a ground call, then a terminal assistant.
type plannerScript struct {
	turn int
}

func (p *plannerScript) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.turn++
	if p.turn == 1 {
		return &llm.ChatResponse{
			Messages: []models.Message{
				{Type: models.MessageReasoning, Summary: []models.ContentPart{{Type: models.ContentSummaryText, Text: "find submit"}}},
				{Type: models.MessageFunctionCall, CallID: "f1", Name: GroundFunctionName, Arguments: `{"intent":"the Submit button"}`},
			},
			Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
	return &llm.ChatResponse{
		Messages: []models.Message{models.AssistantText("done")},
		Usage:    models.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10},
	}, nil
}

// stubGrounder records the intent it received and returns a fixed click.
type stubGrounder struct {
	intent string
}

func (g *stubGrounder) Ground(ctx context.Context, screenshotPNG []byte, intent string, display llm.Display) (*models.Message, models.Usage, error) {
	g.intent = intent
	return &models.Message{
		Type:   models.MessageComputerCall,
		CallID: "g1",
		Status: models.CallCompleted,
		Action: &models.Action{Type: models.ActionClick, Button: models.ButtonLeft, X: 512, Y: 400},
	}, models.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}, nil
}

// S2: the emitted stream is user -> reasoning -> function_call ->
// computer_call -> computer_call_output -> assistant, and usage sums both
// halves.
func TestCompositeRun(t *testing.T) {
	grounder := &stubGrounder{}
	composite := NewComposite(&plannerScript{}, grounder)
	fake := computer.NewFake("box")

	runner := &Runner{
		Loop:     composite,
		Computer: fake,
		Pipeline: callbacks.NewPipeline(),
		Config:   RunConfig{RunID: "run-composite", Model: "omniparser+openai/gpt-4o", MaxSteps: 10},
	}
	result := runner.Run(context.Background(), []models.Message{models.UserText("submit the form")})

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if grounder.intent != "the Submit button" {
		t.Errorf("intent = %q", grounder.intent)
	}

	var kinds []models.MessageType
	for _, msg := range result.Output {
		kinds = append(kinds, msg.Type)
	}
	want := []models.MessageType{
		models.MessageUser,
		models.MessageReasoning,
		models.MessageFunctionCall,
		models.MessageComputerCall,
		models.MessageComputerCallOutput,
		models.MessageAssistant,
	}
	if len(kinds) != len(want) {
		t.Fatalf("stream = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("stream[%d] = %s, want %s (full: %v)", i, kinds[i], want[i], kinds)
		}
	}

	// Usage totals include planner and grounder turns.
	if result.Usage.TotalTokens != 15+4+10 {
		t.Errorf("usage = %+v", result.Usage)
	}

	// The grounded click was dispatched.
	found := false
	for _, c := range fake.Calls() {
		if c == "left_click(512,400)" {
			found = true
		}
	}
	if !found {
		t.Errorf("grounded click not dispatched: %v", fake.Calls())
	}
}

func TestParseIntentShapes(t *testing.T) {
	cases := map[string]string{
		`{"intent":"the Submit button"}`: "the Submit button",
		`"plain quoted"`:                 "plain quoted",
		`raw text intent`:                "raw text intent",
	}
	for in, want := range cases {
		if got := parseIntent(in); got != want {
			t.Errorf("parseIntent(%q) = %q, want %q", in, got, want)
		}
	}
}
