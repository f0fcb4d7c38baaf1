package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// TouchSession creates the session on first use and refreshes its timestamp
// afterwards. The title is only written on insert, so the first question
// names the session.
func (r *ChatRepository) TouchSession(ctx context.Context, session *model.ChatSession) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).
		Create(session).Error
	if err != nil {
		return fmt.Errorf("touch chat session failed: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetSession(ctx context.Context, id string, userID uint) (*model.ChatSession, error) {
	var session model.ChatSession
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query chat session failed: %w", err)
	}
	return &session, nil
}

func (r *ChatRepository) ListSessions(ctx context.Context, userID uint, limit int) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list chat sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *ChatRepository) AppendHistory(ctx context.Context, rows ...*model.ChatHistory) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(rows).Error; err != nil {
		return fmt.Errorf("append chat history failed: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit rows for the session in chronological
// order.
func (r *ChatRepository) RecentHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatHistory, error) {
	var rows []model.ChatHistory
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query chat history failed: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (r *ChatRepository) DeleteSession(ctx context.Context, userID uint, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.ChatHistory{}, "user_id = ? AND session_id = ?", userID, sessionID).Error; err != nil {
			return fmt.Errorf("delete chat history failed: %w", err)
		}
		if err := tx.Delete(&model.ChatSession{}, "id = ? AND user_id = ?", sessionID, userID).Error; err != nil {
			return fmt.Errorf("delete chat session failed: %w", err)
		}
		return nil
	})
}

// PruneHistory trims a session to the newest keep rows.
func (r *ChatRepository) PruneHistory(ctx context.Context, userID uint, sessionID string, keep int) error {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.ChatHistory{}).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Offset(keep).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("query prune candidates failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Delete(&model.ChatHistory{}, ids).Error; err != nil {
		return fmt.Errorf("prune chat history failed: %w", err)
	}
	return nil
}
