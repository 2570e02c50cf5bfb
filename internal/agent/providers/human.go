package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// Human is the adapter for a human operator: it makes no model call and
// instead blocks on an externally supplied channel of canonical messages.
// A computer_call drives the loop onward; an assistant message (or channel
// close) ends the run.
type Human struct {
	input <-chan models.Message
}

// NewHuman builds the adapter. The input channel comes from the caller that
// hosts the human interface.
func NewHuman(cfg llm.ProviderConfig) (llm.Loop, error) {
	if cfg.HumanInput == nil {
		return nil, fmt.Errorf("human: no input channel configured")
	}
	return &Human{input: cfg.HumanInput}, nil
}

// Step blocks until the human provides the next message or the turn is
// cancelled.
func (p *Human) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.input:
		if !ok {
			return &llm.ChatResponse{Messages: []models.Message{models.AssistantText("Session ended by operator.")}}, nil
		}
		return &llm.ChatResponse{Messages: []models.Message{msg}}, nil
	}
}
