package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type BudgetRepository struct {
	db *gorm.DB
}

func NewBudgetRepository(db *gorm.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// MonthlyLimit returns the user's configured cap. The second return value is
// false when the user has no budget row, which means unlimited.
func (r *BudgetRepository) MonthlyLimit(ctx context.Context, userID uint) (decimal.Decimal, bool, error) {
	var budget model.Budget
	err := r.db.WithContext(ctx).First(&budget, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("query budget failed: %w", err)
	}
	return budget.MonthlyLimitUSD, true, nil
}

// LockRow takes a row lock on the user's budget for the duration of the
// surrounding transaction, serializing concurrent spend checks. Users without
// a budget row have nothing to lock.
func (r *BudgetRepository) LockRow(ctx context.Context, userID uint) error {
	var budget model.Budget
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&budget, "user_id = ?", userID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lock budget row failed: %w", err)
	}
	return nil
}

func (r *BudgetRepository) Upsert(ctx context.Context, userID uint, limit decimal.Decimal) error {
	budget := model.Budget{UserID: userID, MonthlyLimitUSD: limit}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"monthly_limit_usd", "updated_at"}),
		}).
		Create(&budget).Error
	if err != nil {
		return fmt.Errorf("upsert budget failed: %w", err)
	}
	return nil
}

func (r *BudgetRepository) Delete(ctx context.Context, userID uint) error {
	err := r.db.WithContext(ctx).Delete(&model.Budget{}, "user_id = ?", userID).Error
	if err != nil {
		return fmt.Errorf("delete budget failed: %w", err)
	}
	return nil
}
