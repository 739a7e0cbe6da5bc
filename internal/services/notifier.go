package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"
)

// BalanceUpdateChannel is the Redis channel transfer notifications go out on.
const BalanceUpdateChannel = "balance.updates"

// BalanceUpdateEvent is the fixed payload published after a committed
// transfer.
type BalanceUpdateEvent struct {
	MoverID    string `json:"moverId"`
	TargetID   string `json:"targetId"`
	Amount     int64  `json:"amount"`
	Commission int64  `json:"commission"`
}

// Notifier publishes post-commit balance updates to external subscribers.
// Publishing is best-effort: failures are logged and never surfaced to the
// transfer that triggered them. A nil Redis client disables publishing.
type Notifier struct {
	redis *redis.Client
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{redis: redisClient}
}

func (n *Notifier) PublishBalanceUpdate(ctx context.Context, event BalanceUpdateEvent) {
	if n.redis == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[NOTIFY] Failed to marshal balance update: %v", err)
		return
	}

	if err := n.redis.Publish(ctx, BalanceUpdateChannel, payload).Err(); err != nil {
		log.Printf("[NOTIFY] Failed to publish balance update: %v", err)
	}
}
