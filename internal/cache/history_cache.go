package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
)

// HistoryCache keeps recent session transcripts in redis so the pre-stream
// history load does not hit mysql on every turn.
type HistoryCache struct {
	client     *redisv9.Client
	historyTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, historyTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 60 * time.Second
	}
	return &HistoryCache{
		client:     client,
		historyTTL: historyTTL,
	}
}

func (c *HistoryCache) GetHistory(ctx context.Context, userID uint, sessionID string) ([]model.ChatHistory, bool, error) {
	key := c.historyKey(userID, sessionID)
	raw, err := c.client.Get(ctx, key).Result()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var rows []model.ChatHistory
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return rows, true, nil
}

func (c *HistoryCache) SetHistory(ctx context.Context, userID uint, sessionID string, rows []model.ChatHistory) error {
	key := c.historyKey(userID, sessionID)
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, c.historyTTL).Err(); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) DeleteHistory(ctx context.Context, userID uint, sessionID string) error {
	key := c.historyKey(userID, sessionID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) historyKey(userID uint, sessionID string) string {
	return fmt.Sprintf("chat:history:%d:%s", userID, sessionID)
}
