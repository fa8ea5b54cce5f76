package sse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/shared/feishu"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CardSender 发送飞书消息卡片
type CardSender interface {
	SendCard(ctx context.Context, chatID string, card feishu.InteractiveCard) (string, error)
}

// FeishuNotifier 将部分农事事件推送到飞书群
// 库存低于阈值、阶段推进、计划预留失败时发卡片，同一物料的库存提醒在冷却期内只发一次
type FeishuNotifier struct {
	sender    CardSender
	chatID    string
	threshold decimal.Decimal
	cooldown  time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	wg       sync.WaitGroup
}

func NewFeishuNotifier(sender CardSender, chatID string, threshold decimal.Decimal, cooldown time.Duration, logger *zap.Logger) *FeishuNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeishuNotifier{
		sender:    sender,
		chatID:    chatID,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		lastSent:  make(map[string]time.Time),
	}
}

// Notify 异步发送，不阻塞业务调用
func (n *FeishuNotifier) Notify(ctx context.Context, event FarmEvent) {
	card, ok := n.cardFor(event)
	if !ok {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := n.sender.SendCard(sendCtx, n.chatID, card); err != nil {
			n.logger.Warn("send feishu card failed", zap.String("event", event.Type), zap.Error(err))
		}
	}()
}

// Wait 等待已发起的发送完成
func (n *FeishuNotifier) Wait() {
	n.wg.Wait()
}

func (n *FeishuNotifier) cardFor(event FarmEvent) (feishu.InteractiveCard, bool) {
	p := event.Payload
	switch event.Type {
	case EventInventoryChanged:
		available, ok := p["available"].(decimal.Decimal)
		if !ok || !available.LessThan(n.threshold) || !n.allow(event.MaterialID, event.At) {
			return feishu.InteractiveCard{}, false
		}
		return feishu.NewLowStockCard(str(p["name"]), str(p["unit"]), available.String(), str(p["reserved"])), true
	case EventStageAdvanced:
		candidates, _ := p["candidates"].(int)
		return feishu.NewStageAdvancedCard(str(p["crop_name"]), str(p["from"]), str(p["to"]), candidates), true
	case EventPlanConfirmed:
		names, _ := p["rejected_materials"].([]string)
		if len(names) == 0 {
			return feishu.InteractiveCard{}, false
		}
		return feishu.NewRejectionCard(str(p["crop_name"]), names), true
	}
	return feishu.InteractiveCard{}, false
}

func (n *FeishuNotifier) allow(materialID string, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[materialID]; ok && at.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[materialID] = at
	return true
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
