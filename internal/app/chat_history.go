package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Sapphire-Bridge/rag-foundation/internal/cache"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
)

type chatHistoryRepo interface {
	TouchSession(ctx context.Context, session *model.ChatSession) error
	RecentHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatHistory, error)
	AppendHistory(ctx context.Context, rows ...*model.ChatHistory) error
	PruneHistory(ctx context.Context, userID uint, sessionID string, keep int) error
}

// CachedHistoryStore layers the redis transcript cache over the chat
// repository. Cache failures fall through to mysql; writes invalidate and
// trim the session to keepRows rows.
type CachedHistoryStore struct {
	repo     chatHistoryRepo
	cache    *cache.HistoryCache
	keepRows int
	log      zerolog.Logger
}

func NewCachedHistoryStore(repo *repository.ChatRepository, historyCache *cache.HistoryCache, keepRows int, log zerolog.Logger) *CachedHistoryStore {
	if keepRows <= 0 {
		keepRows = 100
	}
	return &CachedHistoryStore{
		repo:     repo,
		cache:    historyCache,
		keepRows: keepRows,
		log:      log,
	}
}

func (s *CachedHistoryStore) TouchSession(ctx context.Context, session *model.ChatSession) error {
	return s.repo.TouchSession(ctx, session)
}

func (s *CachedHistoryStore) RecentHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.ChatHistory, error) {
	if s.cache != nil {
		rows, hit, err := s.cache.GetHistory(ctx, userID, sessionID)
		if err != nil {
			s.log.Warn().Err(err).Msg("history cache read failed")
		} else if hit {
			if limit > 0 && len(rows) > limit {
				rows = rows[len(rows)-limit:]
			}
			return rows, nil
		}
	}

	rows, err := s.repo.RecentHistory(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && len(rows) > 0 {
		if err := s.cache.SetHistory(ctx, userID, sessionID, rows); err != nil {
			s.log.Warn().Err(err).Msg("history cache write failed")
		}
	}
	return rows, nil
}

func (s *CachedHistoryStore) AppendHistory(ctx context.Context, rows ...*model.ChatHistory) error {
	if err := s.repo.AppendHistory(ctx, rows...); err != nil {
		return err
	}
	for _, row := range rows {
		if err := s.repo.PruneHistory(ctx, row.UserID, row.SessionID, s.keepRows); err != nil {
			s.log.Warn().Err(err).Str("session_id", row.SessionID).Msg("history prune failed")
		}
		if s.cache != nil {
			if err := s.cache.DeleteHistory(ctx, row.UserID, row.SessionID); err != nil {
				s.log.Warn().Err(err).Msg("history cache invalidate failed")
			}
		}
	}
	return nil
}
