package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type StoreRepository struct {
	db *gorm.DB
}

func NewStoreRepository(db *gorm.DB) *StoreRepository {
	return &StoreRepository{db: db}
}

func (r *StoreRepository) Create(ctx context.Context, store *model.Store) error {
	if err := r.db.WithContext(ctx).Create(store).Error; err != nil {
		return fmt.Errorf("create store failed: %w", err)
	}
	return nil
}

func (r *StoreRepository) Save(ctx context.Context, store *model.Store) error {
	if err := r.db.WithContext(ctx).Save(store).Error; err != nil {
		return fmt.Errorf("save store failed: %w", err)
	}
	return nil
}

func (r *StoreRepository) GetByID(ctx context.Context, id uint) (*model.Store, error) {
	var store model.Store
	if err := r.db.WithContext(ctx).First(&store, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query store by id failed: %w", err)
	}
	return &store, nil
}

// GetActiveOwned returns the store only when it belongs to userID and has not
// been soft-deleted.
func (r *StoreRepository) GetActiveOwned(ctx context.Context, id, userID uint) (*model.Store, error) {
	var store model.Store
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted_at IS NULL", id, userID).
		First(&store).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query owned store failed: %w", err)
	}
	return &store, nil
}

func (r *StoreRepository) ListActive(ctx context.Context, userID uint) ([]model.Store, error) {
	var stores []model.Store
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Order("created_at DESC").
		Find(&stores).Error
	if err != nil {
		return nil, fmt.Errorf("list stores failed: %w", err)
	}
	return stores, nil
}

// GetDeletedOwned fetches a soft-deleted store for restore.
func (r *StoreRepository) GetDeletedOwned(ctx context.Context, id, userID uint) (*model.Store, error) {
	var store model.Store
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted_at IS NOT NULL", id, userID).
		First(&store).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query deleted store failed: %w", err)
	}
	return &store, nil
}
