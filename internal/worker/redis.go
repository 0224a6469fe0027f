package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"csvai/internal/models"
	"csvai/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const scopeRuntime = "runtime"

type invalidateMessage struct {
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// stateRedis caches conversation snapshots and tells other processes to
// drop their copy of a session's runtime.
type stateRedis struct {
	client *redis.Client
	log    *zap.Logger
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client, log: zap.L().Named("worker.redis")}
}

func conversationKey(sessionID int64) string {
	return fmt.Sprintf("conversation:%d", sessionID)
}

// startListener handles invalidations published by any process until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	ch, closeFn := r.client.Subscribe(ctx, redisInvalidateChannel)
	go func() {
		defer closeFn()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.log.Warn("decode invalidation", zap.Error(err))
					continue
				}
				handler(inv)
			}
		}
	}()
}

// publishInvalidation broadcasts an invalidation.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("marshal invalidation", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		r.log.Warn("publish invalidation", zap.Error(err))
	}
}

func (r *stateRedis) cacheConversation(sessionID int64, conv *models.Conversation) {
	if r == nil || r.client == nil || conv == nil || sessionID <= 0 {
		return
	}
	if err := r.client.SetJSON(context.Background(), conversationKey(sessionID), conv, redisStateTTL); err != nil {
		r.log.Warn("cache conversation", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func (r *stateRedis) loadConversation(sessionID int64) (*models.Conversation, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, false
	}
	var conv models.Conversation
	if err := r.client.GetJSON(context.Background(), conversationKey(sessionID), &conv); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn("load conversation", zap.Int64("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	if len(conv.Past) != len(conv.Generated) {
		return nil, false
	}
	return &conv, true
}

func (r *stateRedis) invalidateConversation(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	if err := r.client.Del(context.Background(), conversationKey(sessionID)); err != nil {
		r.log.Warn("invalidate conversation", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}
