// Package callbacks implements the middleware pipeline wrapped around every
// stage of a run: model turns, actions, screenshots, and run lifecycle.
//
// A callback implements any subset of the hook interfaces. Input-shaping
// hooks (BeforeTurn, BeforeLLM, BeforeAction, OnScreenshot) compose left to
// right in registration order; output-shaping hooks (AfterLLM, AfterAction)
// compose right to left, so the pipeline behaves like symmetric onion layers.
// Hooks return new values rather than mutating their inputs; the prefix of a
// message slice may be shared structurally, but a message is never edited in
// place once emitted.
package callbacks

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// RunContext carries per-run identity and accounting through every hook.
type RunContext struct {
	RunID     string
	SessionID string
	Task      string
	Model     string
	StartedAt time.Time

	// CallID is the computer call currently being observed. The
	// orchestrator (the run's single writer) sets it before capturing the
	// post-action screenshot so screenshot hooks can key their output.
	CallID string

	mu    sync.Mutex
	usage models.Usage
}

// AddUsage folds one turn's usage into the run total.
func (rc *RunContext) AddUsage(u models.Usage) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.usage.Add(u)
}

// Usage returns the accumulated run usage.
func (rc *RunContext) Usage() models.Usage {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.usage
}

// Callback is a named middleware. Implement any subset of the hook
// interfaces below; the pipeline skips hooks a callback does not declare.
type Callback interface {
	Name() string
}

// RunStartHook fires once before the first screenshot.
type RunStartHook interface {
	OnRunStart(ctx context.Context, rc *RunContext) error
}

// RunEndHook fires once with the terminal result, in reverse order.
type RunEndHook interface {
	OnRunEnd(ctx context.Context, rc *RunContext, result *models.RunResult)
}

// BeforeTurnHook rewrites the conversation before each model turn.
type BeforeTurnHook interface {
	BeforeTurn(ctx context.Context, rc *RunContext, messages []models.Message) ([]models.Message, error)
}

// BeforeLLMHook rewrites the outgoing request.
type BeforeLLMHook interface {
	BeforeLLM(ctx context.Context, rc *RunContext, req *llm.ChatRequest) (*llm.ChatRequest, error)
}

// AfterLLMHook rewrites the response, right to left.
type AfterLLMHook interface {
	AfterLLM(ctx context.Context, rc *RunContext, resp *llm.ChatResponse) (*llm.ChatResponse, error)
}

// BeforeActionHook can rewrite an action or skip it entirely. A skipped
// action is silently dropped and a synthetic output substituted.
type BeforeActionHook interface {
	BeforeAction(ctx context.Context, rc *RunContext, action models.Action) (models.Action, bool, error)
}

// AfterActionHook observes or rewrites the action result (the canonical
// computer_call_output), right to left.
type AfterActionHook interface {
	AfterAction(ctx context.Context, rc *RunContext, action models.Action, result *models.Message) (*models.Message, error)
}

// ScreenshotHook rewrites captured screenshots before they enter history.
type ScreenshotHook interface {
	OnScreenshot(ctx context.Context, rc *RunContext, png []byte) ([]byte, error)
}

// Recovery resumes a failed run at the next turn with replacement messages.
type Recovery struct {
	Messages []models.Message
}

// ErrorHook consults callbacks about a run error. It may substitute a
// different error or recover with replacement messages.
type ErrorHook interface {
	OnError(ctx context.Context, rc *RunContext, err error) (error, *Recovery)
}

// Pipeline dispatches hooks over an ordered callback list. The list is
// copied on construction and never mutated afterwards, so dispatch needs no
// locking.
type Pipeline struct {
	callbacks []Callback
}

// NewPipeline builds a pipeline over the given callbacks, in order.
func NewPipeline(cbs ...Callback) *Pipeline {
	list := make([]Callback, len(cbs))
	copy(list, cbs)
	return &Pipeline{callbacks: list}
}

// With returns a new pipeline with extra callbacks appended.
func (p *Pipeline) With(cbs ...Callback) *Pipeline {
	list := make([]Callback, 0, len(p.callbacks)+len(cbs))
	list = append(list, p.callbacks...)
	list = append(list, cbs...)
	return &Pipeline{callbacks: list}
}

// OnRunStart fires in registration order, stopping at the first error.
func (p *Pipeline) OnRunStart(ctx context.Context, rc *RunContext) error {
	for _, cb := range p.callbacks {
		if h, ok := cb.(RunStartHook); ok {
			if err := h.OnRunStart(ctx, rc); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnRunEnd fires in reverse registration order. Errors are not possible:
// run end must always complete.
func (p *Pipeline) OnRunEnd(ctx context.Context, rc *RunContext, result *models.RunResult) {
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		if h, ok := p.callbacks[i].(RunEndHook); ok {
			h.OnRunEnd(ctx, rc, result)
		}
	}
}

// BeforeTurn threads the conversation through hooks left to right.
func (p *Pipeline) BeforeTurn(ctx context.Context, rc *RunContext, messages []models.Message) ([]models.Message, error) {
	var err error
	for _, cb := range p.callbacks {
		if h, ok := cb.(BeforeTurnHook); ok {
			if messages, err = h.BeforeTurn(ctx, rc, messages); err != nil {
				return nil, err
			}
		}
	}
	return messages, nil
}

// BeforeLLM threads the request through hooks left to right.
func (p *Pipeline) BeforeLLM(ctx context.Context, rc *RunContext, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	var err error
	for _, cb := range p.callbacks {
		if h, ok := cb.(BeforeLLMHook); ok {
			if req, err = h.BeforeLLM(ctx, rc, req); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

// AfterLLM threads the response through hooks right to left.
func (p *Pipeline) AfterLLM(ctx context.Context, rc *RunContext, resp *llm.ChatResponse) (*llm.ChatResponse, error) {
	var err error
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		if h, ok := p.callbacks[i].(AfterLLMHook); ok {
			if resp, err = h.AfterLLM(ctx, rc, resp); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// BeforeAction threads the action through hooks left to right. The first
// hook that skips wins; later hooks do not see the action.
func (p *Pipeline) BeforeAction(ctx context.Context, rc *RunContext, action models.Action) (models.Action, bool, error) {
	var err error
	var skip bool
	for _, cb := range p.callbacks {
		if h, ok := cb.(BeforeActionHook); ok {
			if action, skip, err = h.BeforeAction(ctx, rc, action); err != nil {
				return action, false, err
			}
			if skip {
				return action, true, nil
			}
		}
	}
	return action, false, nil
}

// AfterAction threads the result through hooks right to left.
func (p *Pipeline) AfterAction(ctx context.Context, rc *RunContext, action models.Action, result *models.Message) (*models.Message, error) {
	var err error
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		if h, ok := p.callbacks[i].(AfterActionHook); ok {
			if result, err = h.AfterAction(ctx, rc, action, result); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// OnScreenshot threads the captured image through hooks left to right.
func (p *Pipeline) OnScreenshot(ctx context.Context, rc *RunContext, png []byte) ([]byte, error) {
	var err error
	for _, cb := range p.callbacks {
		if h, ok := cb.(ScreenshotHook); ok {
			if png, err = h.OnScreenshot(ctx, rc, png); err != nil {
				return nil, err
			}
		}
	}
	return png, nil
}

// OnError consults hooks in order. The first recovery wins; otherwise the
// (possibly substituted) error is returned.
func (p *Pipeline) OnError(ctx context.Context, rc *RunContext, err error) (error, *Recovery) {
	for _, cb := range p.callbacks {
		if h, ok := cb.(ErrorHook); ok {
			var rec *Recovery
			if err, rec = h.OnError(ctx, rc, err); rec != nil {
				return err, rec
			}
		}
	}
	return err, nil
}
