package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Save(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Save(doc).Error; err != nil {
		return fmt.Errorf("save document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query document by id failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListActiveByStore(ctx context.Context, storeID uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND deleted_at IS NULL", storeID).
		Order("created_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return docs, nil
}

// UpdateStatus performs a guarded transition: the row is only updated when
// its current status still matches fromStatus, so concurrent workers cannot
// clobber each other. Returns true when the transition was applied.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uint, fromStatus, toStatus model.DocumentStatus, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]any{"status": toStatus, "status_updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("update document status failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkStoreReingest flips every active document in the store to ERROR and
// clears its remote handles. Used after a store restore, when the previously
// indexed content no longer exists remotely.
func (r *DocumentRepository) MarkStoreReingest(ctx context.Context, storeID uint, reason string, now time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("store_id = ? AND deleted_at IS NULL", storeID).
		Updates(map[string]any{
			"status":            model.DocumentError,
			"status_updated_at": now,
			"op_name":           "",
			"remote_file_id":    "",
			"last_error":        reason,
		}).Error
	if err != nil {
		return fmt.Errorf("mark store documents for reingest failed: %w", err)
	}
	return nil
}

// ListStaleRunning returns RUNNING documents whose status timestamp is
// strictly older than the cutoff. Soft-deleted documents and documents in
// soft-deleted stores are not eligible.
func (r *DocumentRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Joins("JOIN stores ON stores.id = documents.store_id").
		Where("documents.status = ? AND documents.status_updated_at < ?", model.DocumentRunning, cutoff).
		Where("documents.deleted_at IS NULL AND stores.deleted_at IS NULL").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale running documents failed: %w", err)
	}
	return docs, nil
}
