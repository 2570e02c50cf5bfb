package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/callbacks"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/internal/observability"
	"github.com/haasonsaas/cua/internal/retry"
	"github.com/haasonsaas/cua/pkg/models"
)

// ErrUnknownTool reports a function_call whose name no tool resolves. It is
// surfaced as a target error so callbacks may recover.
var ErrUnknownTool = errors.New("unknown tool")

// noopFunctionName is emitted by adapters that failed to parse a model
// response; the orchestrator feeds the error back and lets the model retry.
const noopFunctionName = "noop"

// RunConfig bounds one run.
type RunConfig struct {
	RunID     string
	SessionID string
	Model     string

	// MaxSteps caps model turns. Default 100.
	MaxSteps int

	// TurnTimeout bounds one LLM round-trip. Default 120s.
	TurnTimeout time.Duration

	// ActionTimeout bounds one computer action. Default 30s.
	ActionTimeout time.Duration

	// RunTimeout bounds the whole run. Default 30m.
	RunTimeout time.Duration

	// Env is the request-scoped environment.
	Env config.EnvSnapshot
}

func (c RunConfig) withDefaults() RunConfig {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 100
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 120 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	return c
}

// Runner drives one run to termination.
//
// The loop is a sequential state machine:
//
//	INIT -> CAPTURE -> ASK -> ACT -> OBSERVE -> (ASK | DONE | FAIL)
//
// One runner owns one run; its state is never shared. Exactly one of
// completed, failed or cancelled is emitted, the output always ends with an
// assistant message, and every computer_call is followed by its matching
// computer_call_output.
type Runner struct {
	Loop     llm.Loop
	Computer computer.Computer
	Pipeline *callbacks.Pipeline
	Config   RunConfig
	Logger   *observability.Logger
}

// Run executes the state machine. It never returns a Go error: failures are
// folded into the structured result so the proxy always has an envelope.
func (r *Runner) Run(ctx context.Context, input []models.Message) *models.RunResult {
	cfg := r.Config.withDefaults()
	pipeline := r.Pipeline
	if pipeline == nil {
		pipeline = callbacks.NewPipeline()
	}
	logger := r.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}

	rc := &callbacks.RunContext{
		RunID:     cfg.RunID,
		SessionID: cfg.SessionID,
		Model:     cfg.Model,
		Task:      taskText(input),
		StartedAt: time.Now(),
	}
	ctx = observability.WithRunID(ctx, rc.RunID)
	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	history := make([]models.Message, 0, len(input)+16)
	history = append(history, input...)
	if lastMessageOfType(history, models.MessageUser) == nil {
		history = append(history, models.UserText(""))
	}

	result := &models.RunResult{}
	finish := func(status models.RunStatus, errText string) *models.RunResult {
		result.Status = status
		result.Error = errText
		result.Output = history
		result.Usage = rc.Usage()
		pipeline.OnRunEnd(ctx, rc, result)
		return result
	}

	// INIT
	if err := pipeline.OnRunStart(runCtx, rc); err != nil {
		history = append(history, models.AssistantText(fmt.Sprintf("Run failed to start: %v", err)))
		return finish(models.RunFailed, err.Error())
	}

	display, err := r.display(runCtx)
	if err != nil {
		history = append(history, models.AssistantText(fmt.Sprintf("Run failed: %v", err)))
		return finish(models.RunFailed, err.Error())
	}

	// CAPTURE: the first screenshot rides on the user turn.
	if png, err := r.capture(runCtx, rc, pipeline); err != nil {
		if fault.IsCancelled(err) || errors.Is(ctx.Err(), context.Canceled) {
			history = append(history, models.AssistantText("Run cancelled before the first screenshot."))
			return finish(models.RunCancelled, "cancelled")
		}
		history = append(history, models.AssistantText(fmt.Sprintf("Run failed: %v", err)))
		return finish(models.RunFailed, err.Error())
	} else {
		history = attachScreenshotToUserTurn(history, dataURL(png))
	}

	steps := 0
	for {
		// Cancellation is checked at every state transition.
		if err := runCtx.Err(); err != nil {
			return r.terminalFromContext(ctx, runCtx, finish, &history)
		}
		if steps >= cfg.MaxSteps {
			history = append(history, models.AssistantText(
				fmt.Sprintf("Run stopped: step limit of %d reached before the task finished.", cfg.MaxSteps)))
			return finish(models.RunCompleted, "")
		}

		// ASK
		turnMessages, err := pipeline.BeforeTurn(runCtx, rc, history)
		if err != nil {
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}
		req := &llm.ChatRequest{Messages: turnMessages, Display: display, Env: cfg.Env}
		if req, err = pipeline.BeforeLLM(runCtx, rc, req); err != nil {
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}

		resp, res := retry.DoWithValue(runCtx, retry.LLMPolicy(), func() (*llm.ChatResponse, error) {
			turnCtx, turnCancel := context.WithTimeout(runCtx, cfg.TurnTimeout)
			defer turnCancel()
			resp, err := r.Loop.Step(turnCtx, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && runCtx.Err() == nil {
				// The turn timed out but the run is still live.
				return nil, fault.Transport("llm.step", err)
			}
			return resp, err
		})
		if res.Err != nil {
			if done := r.routeError(runCtx, rc, pipeline, res.Err, &history, finish); done != nil {
				return done
			}
			continue
		}
		if resp, err = pipeline.AfterLLM(runCtx, rc, resp); err != nil {
			var budget *callbacks.BudgetExceededError
			if errors.As(err, &budget) {
				rc.AddUsage(budget.Usage)
				history = append(history, models.AssistantText(
					fmt.Sprintf("Run stopped: %v.", budget)))
				return finish(models.RunCompleted, "")
			}
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}

		steps++
		rc.AddUsage(resp.Usage)
		history = append(history, resp.Messages...)
		logger.Debug(runCtx, "turn complete", "step", steps, "messages", len(resp.Messages))

		call := lastMessageOfType(resp.Messages, models.MessageComputerCall)
		fnCall := lastUnansweredFunctionCall(resp.Messages)

		// DONE: a turn with nothing actionable terminates the run.
		if call == nil && fnCall == nil {
			history = ensureTerminalAssistant(history)
			return finish(models.RunCompleted, "")
		}

		// Action first: a computer_call wins over both assistant text and
		// non-ground function calls in the same turn.
		if call == nil {
			if fnCall.Name == noopFunctionName {
				// Adapter parse failure: reflect it back and let the model retry.
				history = append(history, models.Message{
					Type:   models.MessageFunctionCallOutput,
					CallID: fnCall.CallID,
					Result: fnCall.Arguments,
				})
				continue
			}
			err := fault.Target("run.tool", fmt.Errorf("%w: %q", ErrUnknownTool, fnCall.Name))
			history = append(history, models.Message{
				Type:   models.MessageFunctionCallOutput,
				CallID: fnCall.CallID,
				Result: err.Error(),
			})
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}

		// ACT
		action, skipped, err := pipeline.BeforeAction(runCtx, rc, *call.Action)
		if err != nil {
			history = append(history, syntheticOutput(call, fmt.Sprintf("[action not executed: %v]", err)))
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}
		if skipped {
			out := syntheticOutput(call, "[action skipped by policy]")
			if rewritten, err := pipeline.AfterAction(runCtx, rc, action, &out); err == nil && rewritten != nil {
				out = *rewritten
			}
			history = append(history, out)
			continue
		}

		if err := r.dispatch(runCtx, cfg, action); err != nil {
			if fault.IsCancelled(err) || runCtx.Err() != nil {
				history = append(history, syntheticOutput(call, "[action aborted: run cancelled]"))
				return r.terminalFromContext(ctx, runCtx, finish, &history)
			}
			history = append(history, syntheticOutput(call, fmt.Sprintf("[action failed: %v]", err)))
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}

		// OBSERVE
		rc.CallID = call.CallID
		png, err := r.capture(runCtx, rc, pipeline)
		rc.CallID = ""
		if err != nil {
			history = append(history, syntheticOutput(call, fmt.Sprintf("[screenshot failed: %v]", err)))
			if fault.IsCancelled(err) || runCtx.Err() != nil {
				return r.terminalFromContext(ctx, runCtx, finish, &history)
			}
			if done := r.routeError(runCtx, rc, pipeline, err, &history, finish); done != nil {
				return done
			}
			continue
		}
		out := models.Message{
			Type:                     models.MessageComputerCallOutput,
			CallID:                   call.CallID,
			Output:                   &models.ContentPart{Type: models.ContentComputerScreenshot, ImageURL: dataURL(png)},
			AcknowledgedSafetyChecks: call.PendingSafetyChecks,
		}
		rewritten, err := pipeline.AfterAction(runCtx, rc, action, &out)
		if err == nil && rewritten != nil {
			out = *rewritten
		}
		history = append(history, out)
	}
}

// routeError sends err through on_error. A recovery resumes the loop with
// the replacement messages appended; cancellation and unrecovered errors
// produce the terminal result.
func (r *Runner) routeError(ctx context.Context, rc *callbacks.RunContext, pipeline *callbacks.Pipeline,
	err error, history *[]models.Message, finish func(models.RunStatus, string) *models.RunResult) *models.RunResult {

	if fault.IsCancelled(err) || errors.Is(ctx.Err(), context.Canceled) {
		*history = append(*history, models.AssistantText("Run cancelled."))
		return finish(models.RunCancelled, "cancelled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		*history = append(*history, models.AssistantText("Run failed: wall-clock limit reached."))
		return finish(models.RunFailed, "run timed out")
	}

	finalErr, recovery := pipeline.OnError(ctx, rc, err)
	if recovery != nil {
		*history = append(*history, recovery.Messages...)
		return nil
	}
	if finalErr == nil {
		finalErr = err
	}
	*history = append(*history, models.AssistantText(fmt.Sprintf("Run failed: %v", finalErr)))
	return finish(models.RunFailed, finalErr.Error())
}

func (r *Runner) terminalFromContext(parent, runCtx context.Context,
	finish func(models.RunStatus, string) *models.RunResult, history *[]models.Message) *models.RunResult {

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		*history = append(*history, models.AssistantText("Run failed: wall-clock limit reached."))
		return finish(models.RunFailed, "run timed out")
	}
	*history = ensureTerminalCancelled(*history)
	return finish(models.RunCancelled, "cancelled")
}

// capture takes a screenshot with the computer retry policy and threads it
// through screenshot hooks.
func (r *Runner) capture(ctx context.Context, rc *callbacks.RunContext, pipeline *callbacks.Pipeline) ([]byte, error) {
	png, res := retry.DoWithValue(ctx, retry.ComputerPolicy(), func() ([]byte, error) {
		return r.Computer.Screenshot(ctx)
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return pipeline.OnScreenshot(ctx, rc, png)
}

func (r *Runner) display(ctx context.Context) (llm.Display, error) {
	w, h, err := r.Computer.Dimensions(ctx)
	if err != nil {
		return llm.Display{}, err
	}
	return llm.Display{Width: w, Height: h, OS: r.Computer.OSType()}, nil
}

// dispatch executes one canonical action on the Computer port with the
// per-action timeout and the computer retry policy.
func (r *Runner) dispatch(ctx context.Context, cfg RunConfig, action models.Action) error {
	res := retry.Do(ctx, retry.ComputerPolicy(), func() error {
		actionCtx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
		defer cancel()
		err := r.perform(actionCtx, action)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fault.Transport("computer.action", err)
		}
		return err
	})
	return res.Err
}

func (r *Runner) perform(ctx context.Context, action models.Action) error {
	c := r.Computer
	switch action.Type {
	case models.ActionClick:
		if err := c.MoveCursor(ctx, action.X, action.Y); err != nil {
			return err
		}
		switch action.EffectiveButton() {
		case models.ButtonLeft:
			return c.LeftClick(ctx, action.X, action.Y)
		case models.ButtonRight:
			return c.RightClick(ctx, action.X, action.Y)
		default:
			// Wheel, back and forward clicks are a press/release pair.
			if err := c.MouseDown(ctx, action.X, action.Y, action.Button); err != nil {
				return err
			}
			return c.MouseUp(ctx, action.X, action.Y, action.Button)
		}
	case models.ActionDoubleClick:
		if err := c.MoveCursor(ctx, action.X, action.Y); err != nil {
			return err
		}
		return c.DoubleClick(ctx, action.X, action.Y)
	case models.ActionMove:
		return c.MoveCursor(ctx, action.X, action.Y)
	case models.ActionDrag:
		return c.Drag(ctx, action.Path, action.EffectiveButton(), 500*time.Millisecond)
	case models.ActionScroll:
		return c.Scroll(ctx, action.X, action.Y, action.ScrollX, action.ScrollY)
	case models.ActionKeypress:
		return c.PressKeys(ctx, action.Keys)
	case models.ActionTypeText:
		return c.TypeText(ctx, action.Text)
	case models.ActionWait:
		return c.Wait(ctx, time.Second)
	case models.ActionScreenshot:
		// OBSERVE captures regardless; the action only forces a fresh frame.
		return nil
	case models.ActionLeftMouseDown:
		return c.MouseDown(ctx, action.X, action.Y, models.ButtonLeft)
	case models.ActionLeftMouseUp:
		return c.MouseUp(ctx, action.X, action.Y, models.ButtonLeft)
	default:
		return fault.Targetf("computer.action", "unknown action type %q", action.Type)
	}
}

func taskText(messages []models.Message) string {
	for _, m := range messages {
		if m.Type == models.MessageUser {
			if text := m.Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

func lastMessageOfType(messages []models.Message, t models.MessageType) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == t {
			return &messages[i]
		}
	}
	return nil
}

// lastUnansweredFunctionCall finds a function_call the composite did not
// already satisfy with a computer_call in the same turn.
func lastUnansweredFunctionCall(messages []models.Message) *models.Message {
	var fn *models.Message
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Type {
		case models.MessageComputerCall:
			return nil
		case models.MessageFunctionCall:
			if messages[i].Name == GroundFunctionName {
				continue
			}
			fn = &messages[i]
			return fn
		}
	}
	return fn
}

func syntheticOutput(call *models.Message, note string) models.Message {
	return models.Message{
		Type:                     models.MessageComputerCallOutput,
		CallID:                   call.CallID,
		Output:                   &models.ContentPart{Type: models.ContentInputText, Text: note},
		AcknowledgedSafetyChecks: call.PendingSafetyChecks,
	}
}

// attachScreenshotToUserTurn clones the last user message and appends the
// initial screenshot as an input_image part.
func attachScreenshotToUserTurn(history []models.Message, imageURL string) []models.Message {
	out := make([]models.Message, len(history))
	copy(out, history)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Type != models.MessageUser {
			continue
		}
		clone := out[i]
		clone.Content = append(append([]models.ContentPart(nil), clone.Content...), models.ImagePart(imageURL))
		out[i] = clone
		return out
	}
	return append(out, models.Message{Type: models.MessageUser, Content: []models.ContentPart{models.ImagePart(imageURL)}})
}

func ensureTerminalAssistant(history []models.Message) []models.Message {
	if len(history) > 0 && history[len(history)-1].Type == models.MessageAssistant {
		return history
	}
	return append(history, models.AssistantText("Task completed."))
}

func ensureTerminalCancelled(history []models.Message) []models.Message {
	if len(history) > 0 && history[len(history)-1].Type == models.MessageAssistant {
		return history
	}
	return append(history, models.AssistantText("Run cancelled."))
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
