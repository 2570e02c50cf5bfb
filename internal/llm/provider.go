package llm

import (
	"log/slog"

	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/pkg/models"
)

// ProviderConfig is everything a factory needs to build an adapter instance
// for one run.
type ProviderConfig struct {
	// Provider is the registry prefix, e.g. "openai".
	Provider string

	// Model is the remainder of the model string after the provider
	// prefix, e.g. "computer-use-preview" or "qwen2-vl-7b".
	Model string

	// Env resolves API keys and endpoint overrides for this run.
	Env config.EnvSnapshot

	// Logger receives adapter diagnostics.
	Logger *slog.Logger

	// HumanInput feeds the human adapter its next canonical messages.
	// Unused by model-backed adapters.
	HumanInput <-chan models.Message
}

// Factory builds a fresh adapter instance. Adapters are per-run: they may
// keep state such as previous response IDs between turns of one run.
type Factory func(cfg ProviderConfig) (Loop, error)
