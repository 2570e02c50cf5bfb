package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/cua/internal/fault"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// GroundFunctionName is the function a planner calls to hand an intent to
// the grounder.
const GroundFunctionName = "ground"

// Composite binds a planner adapter to a grounder. Each turn the planner
// decides what to do; when it emits a ground call, the grounder converts the
// intent plus the current screenshot into a concrete computer_call. Usage of
// both halves is summed.
type Composite struct {
	planner  llm.Loop
	grounder llm.Grounder
}

// NewComposite builds a planner+grounder loop.
func NewComposite(planner llm.Loop, grounder llm.Grounder) *Composite {
	return &Composite{planner: planner, grounder: grounder}
}

// Step runs one composite turn: planner first, then the grounder when asked.
// The planner's messages are kept in the emitted stream, followed by the
// grounded computer_call. When a turn carries both assistant text and a
// ground call, the call wins: the action comes first, the text stays as
// context.
func (c *Composite) Step(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.planner.Step(ctx, req)
	if err != nil {
		return nil, err
	}

	ground := lastFunctionCall(resp.Messages, GroundFunctionName)
	if ground == nil {
		return resp, nil
	}

	intent := parseIntent(ground.Arguments)
	screenshot := decodeImageURL(llm.LastScreenshot(req.Messages))
	call, usage, err := c.grounder.Ground(ctx, screenshot, intent, req.Display)
	if err != nil {
		return nil, err
	}
	if call == nil || call.Type != models.MessageComputerCall {
		return nil, fault.Targetf("composite.ground", "grounder returned no computer_call for intent %q", intent)
	}

	out := &llm.ChatResponse{
		Messages: append(append([]models.Message(nil), resp.Messages...), *call),
		Usage:    resp.Usage,
	}
	out.Usage.Add(usage)
	return out, nil
}

func lastFunctionCall(messages []models.Message, name string) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == models.MessageFunctionCall && messages[i].Name == name {
			return &messages[i]
		}
	}
	return nil
}

// parseIntent accepts either a bare string or a JSON object with an
// "intent" field, which is how different planners serialize the call.
func parseIntent(arguments string) string {
	trimmed := strings.TrimSpace(arguments)
	var obj struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Intent != "" {
		return obj.Intent
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil && s != "" {
		return s
	}
	return trimmed
}

func decodeImageURL(url string) []byte {
	const marker = ";base64,"
	i := strings.Index(url, marker)
	if !strings.HasPrefix(url, "data:") || i < 0 {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(url[i+len(marker):])
	if err != nil {
		return nil
	}
	return data
}
