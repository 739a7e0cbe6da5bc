package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestNotifier_PublishBalanceUpdate(t *testing.T) {
	t.Run("publishes the event payload", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		notifier := NewNotifier(redisClient)

		event := BalanceUpdateEvent{
			MoverID:    "acc-2",
			TargetID:   "acc-3",
			Amount:     100,
			Commission: 10,
		}
		payload, err := json.Marshal(event)
		assert.NoError(t, err)

		mock.ExpectPublish(BalanceUpdateChannel, payload).SetVal(1)

		notifier.PublishBalanceUpdate(context.Background(), event)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		notifier := NewNotifier(nil)
		notifier.PublishBalanceUpdate(context.Background(), BalanceUpdateEvent{MoverID: "acc-1"})
	})

	t.Run("publish failure is swallowed", func(t *testing.T) {
		redisClient, mock := redismock.NewClientMock()
		notifier := NewNotifier(redisClient)

		event := BalanceUpdateEvent{MoverID: "acc-2", TargetID: "acc-3", Amount: 50}
		payload, err := json.Marshal(event)
		assert.NoError(t, err)

		mock.ExpectPublish(BalanceUpdateChannel, payload).SetErr(assert.AnError)

		// Must not panic or surface the error to the caller.
		notifier.PublishBalanceUpdate(context.Background(), event)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
