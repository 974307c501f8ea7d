package cache

import (
	"context"
	"encoding/json"
	"time"

	"ai-legalchat-be/internal/entity"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const historyKeyPrefix = "chat_history:"

// HistoryCache is a read-through cache for a chat's ordered message history.
// A nil receiver or a nil Redis client always misses, so callers never need
// to care whether Redis is configured.
type HistoryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHistoryCache(rdb *redis.Client, ttl time.Duration) *HistoryCache {
	return &HistoryCache{
		rdb: rdb,
		ttl: ttl,
	}
}

func (c *HistoryCache) Get(ctx context.Context, chatId uuid.UUID) ([]*entity.ChatMessage, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, historyKeyPrefix+chatId.String()).Bytes()
	if err != nil {
		return nil, false
	}
	var messages []*entity.ChatMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

func (c *HistoryCache) Set(ctx context.Context, chatId uuid.UUID, messages []*entity.ChatMessage) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, historyKeyPrefix+chatId.String(), raw, c.ttl)
}

func (c *HistoryCache) Invalidate(ctx context.Context, chatId uuid.UUID) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, historyKeyPrefix+chatId.String())
}
