package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type QueryLogRepository struct {
	db *gorm.DB
}

func NewQueryLogRepository(db *gorm.DB) *QueryLogRepository {
	return &QueryLogRepository{db: db}
}

func (r *QueryLogRepository) Create(ctx context.Context, entry *model.QueryLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create query log failed: %w", err)
	}
	return nil
}

// SumCostSince totals cost_usd for a user from `since` onward. Missing rows
// sum to zero.
func (r *QueryLogRepository) SumCostSince(ctx context.Context, userID uint, since time.Time) (decimal.Decimal, error) {
	var raw *string
	err := r.db.WithContext(ctx).Model(&model.QueryLog{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Select("CAST(SUM(cost_usd) AS CHAR)").
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum query cost failed: %w", err)
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	sum, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse query cost sum failed: %w", err)
	}
	return sum, nil
}

func (r *QueryLogRepository) ListRecent(ctx context.Context, userID uint, limit int) ([]model.QueryLog, error) {
	var logs []model.QueryLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list query logs failed: %w", err)
	}
	return logs, nil
}

// ModelUsage is a per-model rollup of spend and tokens in a period.
type ModelUsage struct {
	Model            string          `json:"model"`
	Queries          int64           `json:"queries"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
}

func (r *QueryLogRepository) UsageByModelSince(ctx context.Context, userID uint, since time.Time) ([]ModelUsage, error) {
	var rows []ModelUsage
	err := r.db.WithContext(ctx).Model(&model.QueryLog{}).
		Select("model, COUNT(*) AS queries, SUM(prompt_tokens) AS prompt_tokens, SUM(completion_tokens) AS completion_tokens, SUM(cost_usd) AS cost_usd").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("model").
		Order("cost_usd DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate usage by model failed: %w", err)
	}
	return rows, nil
}
