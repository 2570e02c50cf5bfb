package callbacks

import (
	"context"

	"github.com/haasonsaas/cua/internal/llm"
)

// PromptCacheHinter annotates the trailing window of the conversation as
// cache-eligible. Adapters for providers with prompt caching translate the
// hint into native markers; others ignore it.
type PromptCacheHinter struct {
	// Window is the number of trailing messages to mark.
	Window int
}

// NewPromptCacheHinter builds a cache hinter marking the last window
// messages.
func NewPromptCacheHinter(window int) *PromptCacheHinter {
	if window < 1 {
		window = 1
	}
	return &PromptCacheHinter{Window: window}
}

func (c *PromptCacheHinter) Name() string { return "prompt_cache_hinter" }

func (c *PromptCacheHinter) BeforeLLM(ctx context.Context, rc *RunContext, req *llm.ChatRequest) (*llm.ChatRequest, error) {
	out := *req
	out.CacheHint = c.Window
	return &out, nil
}
