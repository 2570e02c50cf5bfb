// Package agent resolves model strings to agent loop adapters and drives runs
// through the orchestration state machine.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/cua/internal/agent/providers"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// ErrUnknownModel reports a model string no registered provider resolves.
var ErrUnknownModel = errors.New("unknown model")

// ModelRef is one side of a parsed model string.
type ModelRef struct {
	Provider string
	Name     string
}

func (r ModelRef) String() string {
	if r.Name == "" {
		return r.Provider
	}
	return r.Provider + "/" + r.Name
}

// ParseModel splits a model string into its planner and optional grounder
// halves. Grammar: simple("+"simple)?, simple = provider("/"name)*. More
// than one "+" is rejected.
func ParseModel(model string) (ModelRef, *ModelRef, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelRef{}, nil, fmt.Errorf("%w: empty model string", ErrUnknownModel)
	}
	parts := strings.Split(model, "+")
	if len(parts) > 2 {
		return ModelRef{}, nil, fmt.Errorf("%w: %q has more than one '+'", ErrUnknownModel, model)
	}
	first, err := parseSimple(parts[0])
	if err != nil {
		return ModelRef{}, nil, err
	}
	if len(parts) == 1 {
		return first, nil, nil
	}
	second, err := parseSimple(parts[1])
	if err != nil {
		return ModelRef{}, nil, err
	}
	return first, &second, nil
}

func parseSimple(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelRef{}, fmt.Errorf("%w: empty model segment", ErrUnknownModel)
	}
	provider, name, _ := strings.Cut(s, "/")
	return ModelRef{Provider: provider, Name: name}, nil
}

// Registry maps provider prefixes to adapter factories and caches parsed
// model strings.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]llm.Factory
	resolved  map[string]*Resolved
}

// Resolved is a parsed, validated model string. Instances are cached per
// model string; New builds a fresh per-run adapter.
type Resolved struct {
	Model    string
	Planner  ModelRef
	Grounder *ModelRef

	plannerFactory  llm.Factory
	grounderFactory llm.Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]llm.Factory),
		resolved:  make(map[string]*Resolved),
	}
}

// DefaultRegistry returns a registry with every built-in provider family.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("openai", providers.NewOpenAIComputerUse)
	r.Register("anthropic", providers.NewAnthropicComputerUse)
	r.Register("huggingface-local", providers.NewHuggingFaceLocal)
	r.Register("ollama_chat", providers.NewVLM)
	r.Register("mlx", providers.NewHuggingFaceLocal)
	r.Register("omniparser", providers.NewOmniparser)
	r.Register("human", providers.NewHuman)
	return r
}

// Register installs a factory for a provider prefix.
func (r *Registry) Register(provider string, factory llm.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
	// Older resolutions may now be stale.
	r.resolved = make(map[string]*Resolved)
}

// Resolve parses and validates a model string, caching the result.
func (r *Registry) Resolve(model string) (*Resolved, error) {
	r.mu.RLock()
	if res, ok := r.resolved[model]; ok {
		r.mu.RUnlock()
		return res, nil
	}
	r.mu.RUnlock()

	planner, grounder, err := ParseModel(model)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Resolved{Model: model, Planner: planner, Grounder: grounder}
	if res.plannerFactory = r.factories[planner.Provider]; res.plannerFactory == nil {
		return nil, fmt.Errorf("%w: no provider %q", ErrUnknownModel, planner.Provider)
	}
	if grounder != nil {
		if res.grounderFactory = r.factories[grounder.Provider]; res.grounderFactory == nil {
			return nil, fmt.Errorf("%w: no provider %q", ErrUnknownModel, grounder.Provider)
		}
	}
	r.resolved[model] = res
	return res, nil
}

// New builds a fresh adapter instance for one run. For composite strings the
// grounder-only side grounds regardless of its position, so both
// "omniparser+openai/gpt-4o" and "openai/gpt-4o+omniparser" plan with the
// VLM and ground with omniparser.
func (res *Resolved) New(env config.EnvSnapshot, logger *slog.Logger, humanInput <-chan models.Message) (llm.Loop, error) {
	build := func(ref ModelRef, factory llm.Factory) (llm.Loop, error) {
		return factory(llm.ProviderConfig{
			Provider:   ref.Provider,
			Model:      ref.Name,
			Env:        env,
			Logger:     logger,
			HumanInput: humanInput,
		})
	}

	if res.Grounder == nil {
		return build(res.Planner, res.plannerFactory)
	}

	first, err := build(res.Planner, res.plannerFactory)
	if err != nil {
		return nil, err
	}
	second, err := build(*res.Grounder, res.grounderFactory)
	if err != nil {
		return nil, err
	}

	plannerLoop, grounderLoop := first, second
	if _, grounderOnly := first.(GrounderOnly); grounderOnly {
		plannerLoop, grounderLoop = second, first
	}
	grounder, ok := grounderLoop.(llm.Grounder)
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot ground", ErrUnknownModel, res.Model)
	}
	return NewComposite(plannerLoop, grounder), nil
}

// GrounderOnly marks adapters that cannot plan. The registry uses it to
// orient composite pairs.
type GrounderOnly interface {
	GrounderOnly()
}
