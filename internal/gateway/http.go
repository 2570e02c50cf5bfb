// Package gateway exposes the orchestration core over HTTP and a WebRTC
// data channel. Both transports decode the same request envelope and hand it
// to one dispatcher; errors never escape as transport failures — the
// envelope always carries a status.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/agent"
	"github.com/haasonsaas/cua/internal/callbacks"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/observability"
	"github.com/haasonsaas/cua/internal/sessions"
	"github.com/haasonsaas/cua/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionIDHeader carries the session ID when agent_kwargs omits it.
const SessionIDHeader = "X-Session-Id"

// APIKeyHeader authenticates requests when the server is configured with a
// key.
const APIKeyHeader = "X-API-Key"

// AgentKwargs are the per-request run knobs.
type AgentKwargs struct {
	SaveTrajectory       bool    `json:"save_trajectory,omitempty"`
	MaxTrajectoryBudget  float64 `json:"max_trajectory_budget,omitempty"`
	MaxSteps             int     `json:"max_steps,omitempty"`
	ImageRetentionWindow int     `json:"image_retention_window,omitempty"`
	SessionID            string  `json:"session_id,omitempty"`
}

// ResponsesRequest is the body of POST /responses and of one data-channel
// message. Input is either a task string or a canonical message list.
type ResponsesRequest struct {
	Model          string            `json:"model"`
	Input          json.RawMessage   `json:"input"`
	AgentKwargs    *AgentKwargs      `json:"agent_kwargs,omitempty"`
	ComputerKwargs *computer.Spec    `json:"computer_kwargs,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Server hosts the proxy surface.
type Server struct {
	cfg      *config.Config
	manager  *sessions.Manager
	registry *agent.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer wires the proxy over a session manager and adapter registry.
func NewServer(cfg *config.Config, manager *sessions.Manager, registry *agent.Registry,
	logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	return &Server{cfg: cfg, manager: manager, registry: registry, logger: logger, metrics: metrics}
}

// Routes returns the HTTP handler for the proxy.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /responses", s.handleResponses)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey != "" && r.URL.Path != "/health" {
			if r.Header.Get(APIKeyHeader) != s.cfg.Server.APIKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &models.RunResult{
			Status: models.RunFailed,
			Error:  fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	ctx := context.WithValue(r.Context(), observability.RequestIDKey, uuid.NewString())
	result := s.Dispatch(ctx, &req, r.Header.Get(SessionIDHeader))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.manager.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
}

// Dispatch validates the envelope, binds the session and its computer,
// assembles the callback pipeline and drives one run. Every failure is
// returned as a structured result.
func (s *Server) Dispatch(ctx context.Context, req *ResponsesRequest, headerSessionID string) *models.RunResult {
	fail := func(format string, args ...any) *models.RunResult {
		msg := fmt.Sprintf(format, args...)
		s.logger.Warn(ctx, "request rejected", "reason", msg)
		return &models.RunResult{Status: models.RunFailed, Error: msg}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Agent.Model
	}
	if model == "" {
		return fail("no model: set the model field or %s", config.EnvModelName)
	}

	input, err := decodeInput(req.Input)
	if err != nil {
		return fail("invalid input: %v", err)
	}

	kwargs := req.AgentKwargs
	if kwargs == nil {
		kwargs = &AgentKwargs{}
	}
	sessionID := kwargs.SessionID
	if sessionID == "" {
		sessionID = headerSessionID
	}

	spec := s.cfg.Computer
	if req.ComputerKwargs != nil {
		spec = mergeSpec(spec, *req.ComputerKwargs)
	}

	resolved, err := s.registry.Resolve(model)
	if err != nil {
		return fail("%v", err)
	}
	env := config.CaptureEnv(req.Env)
	loop, err := resolved.New(env, s.logger.Slog(), nil)
	if err != nil {
		return fail("%v", err)
	}

	session, err := s.manager.Acquire(ctx, sessionID, spec)
	if err != nil {
		if errors.Is(err, sessions.ErrPoolExhausted) {
			return fail("pool exhausted: no computer available for session %q", sessionID)
		}
		return fail("%v", err)
	}

	task, runCtx, err := s.manager.StartTask(ctx, session.ID)
	if err != nil {
		return fail("%v", err)
	}
	defer s.manager.EndTask(task)

	runner := &agent.Runner{
		Loop:     loop,
		Computer: session.Computer,
		Pipeline: s.buildPipeline(kwargs),
		Logger:   s.logger,
		Config: agent.RunConfig{
			SessionID:     session.ID,
			Model:         model,
			MaxSteps:      pickInt(kwargs.MaxSteps, s.cfg.Agent.MaxSteps),
			TurnTimeout:   s.cfg.Agent.TurnTimeout,
			ActionTimeout: s.cfg.Agent.ActionTimeout,
			RunTimeout:    s.cfg.Agent.RunTimeout,
			Env:           env,
		},
	}
	return runner.Run(runCtx, input)
}

// buildPipeline assembles the run's callbacks: scrubbing before the durable
// writers, retention and cache hints around the model call, metrics last.
func (s *Server) buildPipeline(kwargs *AgentKwargs) *callbacks.Pipeline {
	list := []callbacks.Callback{
		callbacks.NewPIIScrubber(),
	}
	if kwargs.SaveTrajectory && s.cfg.Agent.TrajectoryDir != "" {
		list = append(list, callbacks.NewTrajectoryWriter(s.cfg.Agent.TrajectoryDir))
	}
	list = append(list,
		callbacks.NewImageRetention(pickInt(kwargs.ImageRetentionWindow, s.cfg.Agent.ImageRetentionWindow)),
		callbacks.NewPromptCacheHinter(3),
	)
	budget := kwargs.MaxTrajectoryBudget
	if budget == 0 {
		budget = s.cfg.Agent.MaxTrajectoryBudget
	}
	if budget > 0 {
		list = append(list, callbacks.NewBudgetCap(budget))
	}
	if s.metrics != nil {
		list = append(list, callbacks.NewMetricsCallback(s.metrics))
	}
	return callbacks.NewPipeline(list...)
}

// decodeInput accepts a task string or a canonical message list.
func decodeInput(raw json.RawMessage) ([]models.Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("input is required")
	}
	var task string
	if err := json.Unmarshal(raw, &task); err == nil {
		if task == "" {
			return nil, errors.New("input is empty")
		}
		return []models.Message{models.UserText(task)}, nil
	}
	return models.DecodeMessages(raw)
}

func mergeSpec(base, override computer.Spec) computer.Spec {
	if override.OSType != "" {
		base.OSType = override.OSType
	}
	if override.ProviderType != "" {
		base.ProviderType = override.ProviderType
	}
	if override.Image != "" {
		base.Image = override.Image
	}
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.MemoryMB > 0 {
		base.MemoryMB = override.MemoryMB
	}
	if override.CPU > 0 {
		base.CPU = override.CPU
	}
	return base
}

func pickInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe runs the HTTP transport until ctx is cancelled, then
// drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
