package callbacks

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/cua/internal/llm"
	"github.com/haasonsaas/cua/pkg/models"
)

// BudgetExceededError terminates a run cleanly when accumulated response cost
// crosses the configured cap. It carries the final turn's usage so the
// orchestrator can account for it before ending the run.
type BudgetExceededError struct {
	Limit float64
	Spent float64
	Usage models.Usage
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("trajectory budget exceeded: spent $%.4f of $%.4f", e.Spent, e.Limit)
}

// BudgetCap accumulates response cost across turns and stops the run once
// the cap is crossed. The run ends with status completed and a terminal
// assistant message naming the budget.
type BudgetCap struct {
	Limit float64

	mu    sync.Mutex
	spent float64
}

// NewBudgetCap builds a budget callback with the given USD cap.
func NewBudgetCap(limitUSD float64) *BudgetCap {
	return &BudgetCap{Limit: limitUSD}
}

func (b *BudgetCap) Name() string { return "budget_cap" }

// AfterLLM records the turn's cost and raises BudgetExceededError once the
// cap is crossed.
func (b *BudgetCap) AfterLLM(ctx context.Context, rc *RunContext, resp *llm.ChatResponse) (*llm.ChatResponse, error) {
	b.mu.Lock()
	b.spent += resp.Usage.ResponseCost
	spent := b.spent
	b.mu.Unlock()

	if b.Limit > 0 && spent > b.Limit {
		return nil, &BudgetExceededError{Limit: b.Limit, Spent: spent, Usage: resp.Usage}
	}
	return resp, nil
}
