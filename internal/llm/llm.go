// Package llm defines the LLM port: the request/response types every agent
// loop adapter consumes and produces, independent of any provider wire
// format. Adapters translate between these canonical shapes and their
// provider's native API; nothing provider-specific crosses this boundary.
package llm

import (
	"context"

	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/pkg/models"
)

// Display describes the bound computer's screen for adapters that need to
// ground coordinates or declare display dimensions to the provider.
type Display struct {
	Width  int
	Height int
	OS     computer.OSType
}

// ChatRequest is one canonical model round-trip request.
type ChatRequest struct {
	// Messages is the conversation in canonical form. Hooks rewrite this
	// by returning a new slice; messages themselves are immutable.
	Messages []models.Message

	// Display is the bound computer's screen.
	Display Display

	// MaxTokens caps the completion length. Zero lets the adapter choose.
	MaxTokens int

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float64

	// CacheHint marks the last N messages as cache-eligible on providers
	// that support prompt caching. Zero means no hint.
	CacheHint int

	// Env resolves API keys and endpoints for this request only.
	Env config.EnvSnapshot
}

// ChatResponse is the canonical result of one model round-trip.
type ChatResponse struct {
	// Messages are the canonical messages decoded from the provider
	// response, in emission order.
	Messages []models.Message

	// Usage is the token and cost accounting for this round-trip.
	Usage models.Usage
}

// Loop is an agent loop adapter: it maps one turn of the conversation to one
// provider round-trip. Adapters describe actions; they never perform Computer
// I/O. An adapter instance belongs to a single run and may keep per-run state
// (previous response IDs, pending safety checks).
type Loop interface {
	// Step executes one model turn.
	Step(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Grounder converts a high-level intent plus the current screenshot into a
// concrete computer_call. Grounder-only adapters (omniparser, box-token
// models) implement this; composites route the planner's intent here.
type Grounder interface {
	// Ground returns a computer_call message targeting the intent.
	Ground(ctx context.Context, screenshotPNG []byte, intent string, display Display) (*models.Message, models.Usage, error)
}

// LastScreenshot returns the most recent expanded screenshot in the
// conversation, oldest-to-newest order assumed.
func LastScreenshot(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Type == models.MessageComputerCallOutput && msg.Output != nil && msg.Output.ImageURL != "" {
			return msg.Output.ImageURL
		}
		if msg.Type == models.MessageUser {
			for j := len(msg.Content) - 1; j >= 0; j-- {
				if msg.Content[j].Type == models.ContentInputImage && msg.Content[j].ImageURL != "" {
					return msg.Content[j].ImageURL
				}
			}
		}
	}
	return ""
}
