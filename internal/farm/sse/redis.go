package sse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge 通过Redis频道在多实例间转发事件
// Notify发布到频道，Run订阅频道并投递到本地Hub
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

func NewRedisBridge(rdb *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{rdb: rdb, channel: channel, hub: hub, logger: logger}
}

// Notify 发布事件，发布失败时退回本地投递
func (b *RedisBridge) Notify(ctx context.Context, event FarmEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("marshal farm event failed", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(pubCtx, b.channel, data).Err(); err != nil {
		b.logger.Warn("publish farm event failed, delivering locally",
			zap.String("channel", b.channel), zap.Error(err))
		if b.hub != nil {
			b.hub.Notify(ctx, event)
		}
	}
}

// Run 订阅频道直到ctx结束
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("subscribed farm event channel", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event FarmEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("drop malformed farm event", zap.Error(err))
				continue
			}
			if b.hub != nil {
				b.hub.Notify(ctx, event)
			}
		}
	}
}
