package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/cua/internal/callbacks"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// scriptedLoop returns canned responses turn by turn, with optional
// per-call errors injected ahead of the script.
type scriptedLoop struct {
	mu      sync.Mutex
	errs    []error
	turns   [][]models.Message
	usage   models.Usage
	stepped int
}

func (s *scriptedLoop) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if s.stepped >= len(s.turns) {
		return &llm.ChatResponse{Messages: []models.Message{models.AssistantText("done")}, Usage: s.usage}, nil
	}
	turn := s.turns[s.stepped]
	s.stepped++
	return &llm.ChatResponse{Messages: turn, Usage: s.usage}, nil
}

func clickCall(callID string, x, y int) models.Message {
	return models.Message{
		Type:   models.MessageComputerCall,
		CallID: callID,
		Status: models.CallCompleted,
		Action: &models.Action{Type: models.ActionClick, Button: models.ButtonLeft, X: x, Y: y},
	}
}

func typeCall(callID, text string) models.Message {
	return models.Message{
		Type:   models.MessageComputerCall,
		CallID: callID,
		Status: models.CallCompleted,
		Action: &models.Action{Type: models.ActionTypeText, Text: text},
	}
}

func newRunner(loop llm.Loop, fake *computer.Fake, pipeline *callbacks.Pipeline) *Runner {
	return &Runner{
		Loop:     loop,
		Computer: fake,
		Pipeline: pipeline,
		Config: RunConfig{
			RunID:     "run-test",
			SessionID: "sess-test",
			Model:     "test/model",
			MaxSteps:  20,
		},
	}
}

func countType(msgs []models.Message, t models.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

// S1: one click then a terminal assistant.
func TestRunSingleClick(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{clickCall("call_1", 100, 200)},
			{models.AssistantText("clicked it")},
		},
		usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, ResponseCost: 0.001},
	}
	fake := computer.NewFake("box")
	result := newRunner(loop, fake, nil).Run(context.Background(), []models.Message{models.UserText("click the thing")})

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if got := countType(result.Output, models.MessageComputerCall); got != 1 {
		t.Errorf("computer_call count = %d", got)
	}
	if got := countType(result.Output, models.MessageComputerCallOutput); got != 1 {
		t.Errorf("computer_call_output count = %d", got)
	}
	if got := countType(result.Output, models.MessageAssistant); got != 1 {
		t.Errorf("assistant count = %d", got)
	}

	calls := fake.Calls()
	var input []string
	for _, c := range calls {
		if !strings.HasPrefix(c, "screenshot") {
			input = append(input, c)
		}
	}
	want := []string{"move_cursor(100,200)", "left_click(100,200)"}
	if strings.Join(input, ";") != strings.Join(want, ";") {
		t.Errorf("computer calls = %v, want %v", input, want)
	}

	// Usage accumulated over both turns.
	if result.Usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

// Balanced pairs and adjacency of call/output in the emitted stream.
func TestRunBalancedCallPairs(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{clickCall("c1", 1, 1)},
			{clickCall("c2", 2, 2)},
			{clickCall("c3", 3, 3)},
			{models.AssistantText("done")},
		},
	}
	result := newRunner(loop, computer.NewFake("box"), nil).Run(context.Background(), []models.Message{models.UserText("go")})

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	calls, outputs := 0, 0
	pendingCall := ""
	for _, msg := range result.Output {
		switch msg.Type {
		case models.MessageComputerCall:
			if pendingCall != "" {
				t.Fatalf("computer_call %s emitted while %s unanswered", msg.CallID, pendingCall)
			}
			pendingCall = msg.CallID
			calls++
		case models.MessageComputerCallOutput:
			if msg.CallID != pendingCall {
				t.Fatalf("output %s does not match pending call %s", msg.CallID, pendingCall)
			}
			pendingCall = ""
			outputs++
		}
	}
	if calls != outputs || calls != 3 {
		t.Errorf("calls = %d outputs = %d", calls, outputs)
	}
}

// S3: two transport failures then success; retries are internal.
func TestRunRetriesTransportErrors(t *testing.T) {
	loop := &scriptedLoop{
		errs: []error{
			fault.Transport("llm.chat", errors.New("503")),
			fault.Transport("llm.chat", errors.New("reset")),
		},
		turns: [][]models.Message{{models.AssistantText("fine now")}},
	}
	errorsSeen := 0
	pipeline := callbacks.NewPipeline(&errorCounter{count: &errorsSeen})

	result := newRunner(loop, computer.NewFake("box"), pipeline).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if errorsSeen != 0 {
		t.Errorf("on_error fired %d times for retried transport errors", errorsSeen)
	}
}

type errorCounter struct{ count *int }

func (e *errorCounter) Name() string { return "error_counter" }

func (e *errorCounter) OnError(ctx context.Context, rc *callbacks.RunContext, err error) (error, *callbacks.Recovery) {
	*e.count++
	return err, nil
}

// Exhausted transport retries fail the run.
func TestRunTransportExhaustionFails(t *testing.T) {
	loop := &scriptedLoop{
		errs: []error{
			fault.Transport("llm.chat", errors.New("down")),
			fault.Transport("llm.chat", errors.New("down")),
			fault.Transport("llm.chat", errors.New("down")),
			fault.Transport("llm.chat", errors.New("down")),
			fault.Transport("llm.chat", errors.New("down")),
		},
	}
	result := newRunner(loop, computer.NewFake("box"), nil).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Status != models.RunFailed {
		t.Fatalf("status = %s", result.Status)
	}
	last := result.Output[len(result.Output)-1]
	if last.Type != models.MessageAssistant {
		t.Errorf("terminal message type = %s", last.Type)
	}
}

// S4: budget cap ends the run cleanly with "budget" in the terminal message.
func TestRunBudgetCap(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{clickCall("c1", 1, 1)},
			{clickCall("c2", 2, 2)},
			{clickCall("c3", 3, 3)},
		},
		usage: models.Usage{ResponseCost: 0.006},
	}
	pipeline := callbacks.NewPipeline(callbacks.NewBudgetCap(0.01))
	result := newRunner(loop, computer.NewFake("box"), pipeline).Run(context.Background(), []models.Message{models.UserText("go")})

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	last := result.Output[len(result.Output)-1]
	if !strings.Contains(strings.ToLower(last.Text()), "budget") {
		t.Errorf("terminal message %q does not mention the budget", last.Text())
	}
	// Turn 1 passes (0.006), turn 2 trips (0.012): only one action dispatched.
	if got := countType(result.Output, models.MessageComputerCall); got != 1 {
		t.Errorf("computer_call count = %d, want 1", got)
	}
}

// Step cap terminates cleanly.
func TestRunStepCap(t *testing.T) {
	turns := make([][]models.Message, 50)
	for i := range turns {
		turns[i] = []models.Message{clickCall("c", 1, 1)}
	}
	loop := &scriptedLoop{turns: turns}
	runner := newRunner(loop, computer.NewFake("box"), nil)
	runner.Config.MaxSteps = 5

	result := runner.Run(context.Background(), []models.Message{models.UserText("loop forever")})
	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if loop.stepped > 5 {
		t.Errorf("loop stepped %d times, cap is 5", loop.stepped)
	}
	last := result.Output[len(result.Output)-1]
	if !strings.Contains(last.Text(), "step limit") {
		t.Errorf("terminal message = %q", last.Text())
	}
}

// S5: cancellation during a slow type_text ends the run as cancelled and
// dispatches nothing further.
func TestRunCancellation(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{typeCall("c1", "a very long text")},
			{clickCall("c2", 9, 9)},
		},
	}
	fake := computer.NewFake("box")
	fake.OpDelay = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := newRunner(loop, fake, nil).Run(ctx, []models.Message{models.UserText("go")})
	elapsed := time.Since(start)

	if result.Status != models.RunCancelled {
		t.Fatalf("status = %s", result.Status)
	}
	if elapsed > 3*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c, "left_click") {
			t.Errorf("action dispatched after cancellation: %s", c)
		}
	}
	// Pairs stay balanced even on the cancelled path.
	if countType(result.Output, models.MessageComputerCall) != countType(result.Output, models.MessageComputerCallOutput) {
		t.Error("unbalanced call pairs after cancellation")
	}
	last := result.Output[len(result.Output)-1]
	if last.Type != models.MessageAssistant || !strings.Contains(strings.ToLower(last.Text()), "cancel") {
		t.Errorf("terminal message = %+v", last)
	}
}

// Unknown tools surface as target errors that callbacks may recover.
func TestRunUnknownToolFails(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{{Type: models.MessageFunctionCall, CallID: "f1", Name: "search_web", Arguments: "{}"}},
		},
	}
	result := newRunner(loop, computer.NewFake("box"), nil).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Status != models.RunFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(result.Error, "unknown tool") {
		t.Errorf("error = %q", result.Error)
	}
}

// A noop function_call (adapter parse failure) feeds the error back and the
// run continues.
func TestRunNoopFeedsBack(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{{Type: models.MessageFunctionCall, CallID: "f1", Name: "noop", Arguments: `{"error":"bad json"}`}},
			{models.AssistantText("recovered")},
		},
	}
	result := newRunner(loop, computer.NewFake("box"), nil).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if countType(result.Output, models.MessageFunctionCallOutput) != 1 {
		t.Error("noop output missing from stream")
	}
}

// A before_action skip substitutes a synthetic output and keeps going.
func TestRunActionSkip(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{clickCall("c1", 1, 1)},
			{models.AssistantText("done")},
		},
	}
	fake := computer.NewFake("box")
	pipeline := callbacks.NewPipeline(&skipAll{})
	result := newRunner(loop, fake, pipeline).Run(context.Background(), []models.Message{models.UserText("go")})

	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c, "left_click") {
			t.Error("skipped action was dispatched")
		}
	}
	if countType(result.Output, models.MessageComputerCallOutput) != 1 {
		t.Error("synthetic output missing")
	}
}

type skipAll struct{}

func (s *skipAll) Name() string { return "skip_all" }

func (s *skipAll) BeforeAction(ctx context.Context, rc *callbacks.RunContext, action models.Action) (models.Action, bool, error) {
	return action, true, nil
}

// on_error recovery resumes the loop with replacement messages.
func TestRunErrorRecovery(t *testing.T) {
	loop := &scriptedLoop{
		errs: []error{fault.Target("llm.chat", errors.New("schema mismatch"))},
		turns: [][]models.Message{
			{models.AssistantText("made it after recovery")},
		},
	}
	pipeline := callbacks.NewPipeline(&recoverOnce{})
	result := newRunner(loop, computer.NewFake("box"), pipeline).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Status != models.RunCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
}

type recoverOnce struct{ used bool }

func (r *recoverOnce) Name() string { return "recover_once" }

func (r *recoverOnce) OnError(ctx context.Context, rc *callbacks.RunContext, err error) (error, *callbacks.Recovery) {
	if r.used {
		return err, nil
	}
	r.used = true
	return nil, &callbacks.Recovery{Messages: []models.Message{models.UserText("please continue")}}
}

// Monotone usage: run total equals the sum over turns.
func TestRunUsageMonotone(t *testing.T) {
	loop := &scriptedLoop{
		turns: [][]models.Message{
			{clickCall("c1", 1, 1)},
			{models.AssistantText("done")},
		},
		usage: models.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10, ResponseCost: 0.002},
	}
	result := newRunner(loop, computer.NewFake("box"), nil).Run(context.Background(), []models.Message{models.UserText("go")})
	if result.Usage.PromptTokens != 14 || result.Usage.CompletionTokens != 6 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Usage.ResponseCost < 0 {
		t.Error("negative cost")
	}
}
