package app

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
)

var ErrBudgetInvalid = errors.New("budget must be a non-negative amount")

type CostService struct {
	logs    *repository.QueryLogRepository
	budgets *repository.BudgetRepository
	engine  *cost.Engine
}

func NewCostService(logs *repository.QueryLogRepository, budgets *repository.BudgetRepository, engine *cost.Engine) *CostService {
	return &CostService{
		logs:    logs,
		budgets: budgets,
		engine:  engine,
	}
}

// UsageSummary is the month-to-date picture for one user.
type UsageSummary struct {
	SpendUSD     decimal.Decimal         `json:"spend_usd"`
	LimitUSD     *decimal.Decimal        `json:"limit_usd,omitempty"`
	RemainingUSD *decimal.Decimal        `json:"remaining_usd,omitempty"`
	ByModel      []repository.ModelUsage `json:"by_model"`
}

func (s *CostService) Usage(ctx context.Context, userID uint) (*UsageSummary, error) {
	spend, err := s.engine.MonthToDateSpend(ctx, userID)
	if err != nil {
		return nil, err
	}
	byModel, err := s.logs.UsageByModelSince(ctx, userID, s.engine.MonthStart())
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{SpendUSD: spend, ByModel: byModel}
	limit, ok, err := s.engine.UserBudget(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		remaining := limit.Sub(spend)
		summary.LimitUSD = &limit
		summary.RemainingUSD = &remaining
	}
	return summary, nil
}

func (s *CostService) RecentQueries(ctx context.Context, userID uint, limit int) ([]model.QueryLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.logs.ListRecent(ctx, userID, limit)
}

func (s *CostService) SetBudget(ctx context.Context, userID uint, limitUSD decimal.Decimal) error {
	if limitUSD.IsNegative() {
		return ErrBudgetInvalid
	}
	return s.budgets.Upsert(ctx, userID, limitUSD)
}

func (s *CostService) ClearBudget(ctx context.Context, userID uint) error {
	return s.budgets.Delete(ctx, userID)
}
