package callbacks

import (
	"context"
	"strings"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// screenshotPlaceholder replaces elided screenshot payloads. Adapters render
// it as plain text.
const screenshotPlaceholder = "[screenshot elided]"

// ImageRetention keeps at most Window recent screenshots expanded in the
// conversation sent to the model. Older payloads are replaced by a compact
// text placeholder, which bounds request size on long runs.
type ImageRetention struct {
	Window int
}

// NewImageRetention builds the retention callback. A window below one keeps
// a single screenshot.
func NewImageRetention(window int) *ImageRetention {
	if window < 1 {
		window = 1
	}
	return &ImageRetention{Window: window}
}

func (r *ImageRetention) Name() string { return "image_retention" }

// BeforeLLM rewrites the request conversation. The returned slice shares
// untouched messages with the input; rewritten messages are copies.
func (r *ImageRetention) BeforeLLM(ctx context.Context, rc *RunContext, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	out := *req
	out.Messages = Retain(req.Messages, r.Window)
	return &out, nil
}

// Retain rewrites messages so at most window screenshot payloads stay
// expanded, newest first. Exposed for adapters that re-window internally.
func Retain(messages []models.Message, window int) []models.Message {
	kept := 0
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i := len(out) - 1; i >= 0; i-- {
		msg := out[i]
		switch msg.Type {
		case models.MessageComputerCallOutput:
			if msg.Output == nil || !isExpandedImage(msg.Output.ImageURL) {
				continue
			}
			if kept < window {
				kept++
				continue
			}
			clone := msg
			clone.Output = &models.ContentPart{Type: models.ContentInputText, Text: screenshotPlaceholder}
			out[i] = clone
		case models.MessageUser:
			rewritten := false
			parts := msg.Content
			for j := len(parts) - 1; j >= 0; j-- {
				if parts[j].Type != models.ContentInputImage || !isExpandedImage(parts[j].ImageURL) {
					continue
				}
				if kept < window {
					kept++
					continue
				}
				if !rewritten {
					parts = append([]models.ContentPart(nil), msg.Content...)
					rewritten = true
				}
				parts[j] = models.TextPart(screenshotPlaceholder)
			}
			if rewritten {
				clone := msg
				clone.Content = parts
				out[i] = clone
			}
		}
	}
	return out
}

// CountExpanded reports how many screenshot payloads are expanded, for
// retention property tests.
func CountExpanded(messages []models.Message) int {
	n := 0
	for _, msg := range messages {
		switch msg.Type {
		case models.MessageComputerCallOutput:
			if msg.Output != nil && isExpandedImage(msg.Output.ImageURL) {
				n++
			}
		case models.MessageUser:
			for _, p := range msg.Content {
				if p.Type == models.ContentInputImage && isExpandedImage(p.ImageURL) {
					n++
				}
			}
		}
	}
	return n
}

func isExpandedImage(url string) bool {
	return url != "" && (strings.HasPrefix(url, "data:") || strings.HasPrefix(url, "http"))
}
