package checker

import (
	"context"
	"errors"
	"os"

	"github.com/canopy-network/chainheights/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConsumeTriggers runs manual triggers from the admin API until ctx is done.
func (a *App) ConsumeTriggers(ctx context.Context) {
	consumerName, _ := os.Hostname()
	if consumerName == "" {
		consumerName = "checker-" + uuid.NewString()[:8]
	}
	consumer, err := redis.NewStreamConsumer(a.Redis, redis.StreamConsumerConfig{
		Stream:   redis.TriggerStream,
		Group:    redis.TriggerGroup,
		Consumer: consumerName,
		Count:    1,
		Logger:   a.Logger.Named("triggers"),
	})
	if err != nil {
		a.Logger.Error("Unable to create trigger consumer", zap.Error(err))
		return
	}
	if err := consumer.Run(ctx, a.HandleTrigger); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Trigger consumer stopped", zap.Error(err))
	}
}

// HandleTrigger runs the entry point a trigger asks for. Malformed triggers
// are acknowledged and dropped.
func (a *App) HandleTrigger(ctx context.Context, msg redis.Message) error {
	trigger, err := redis.ParseTrigger(msg)
	if err != nil {
		a.Logger.Warn("Dropping malformed trigger", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	a.Logger.Info("Manual trigger received",
		zap.String("id", msg.ID),
		zap.String("kind", string(trigger.Kind)),
		zap.String("requested_by", trigger.RequestedBy))
	if err := a.Run(ctx, trigger.Kind); err != nil {
		a.Logger.Error("Manual trigger failed", zap.String("id", msg.ID), zap.Error(err))
	}
	return nil
}
