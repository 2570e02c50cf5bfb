package callbacks

import (
	"context"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/internal/observability"
	"github.com/haasonsaas/cua/pkg/models"
)

// MetricsCallback bridges run and turn events into prometheus collectors.
type MetricsCallback struct {
	metrics *observability.Metrics
}

// NewMetricsCallback builds the metrics bridge.
func NewMetricsCallback(m *observability.Metrics) *MetricsCallback {
	return &MetricsCallback{metrics: m}
}

func (c *MetricsCallback) Name() string { return "metrics" }

func (c *MetricsCallback) AfterLLM(ctx context.Context, rc *RunContext, resp *llm.ChatResponse) (*llm.ChatResponse, error) {
	c.metrics.TurnsTotal.Inc()
	c.metrics.TokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	c.metrics.TokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	c.metrics.CostTotal.Add(resp.Usage.ResponseCost)
	return resp, nil
}

func (c *MetricsCallback) BeforeAction(ctx context.Context, rc *RunContext, action models.Action) (models.Action, bool, error) {
	c.metrics.ActionsTotal.WithLabelValues(string(action.Type)).Inc()
	return action, false, nil
}

func (c *MetricsCallback) OnRunEnd(ctx context.Context, rc *RunContext, result *models.RunResult) {
	c.metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
}
