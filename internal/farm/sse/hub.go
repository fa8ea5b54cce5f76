package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 事件类型
const (
	EventPlanConfirmed    = "plan_confirmed"
	EventPlanCleaned      = "plan_cleaned"
	EventStageAdvanced    = "stage_advanced"
	EventActivityUpdated  = "activity_update"
	EventInventoryChanged = "inventory_update"
	EventHarvestRecorded  = "harvest_recorded"
)

// FarmEvent 农事领域事件
type FarmEvent struct {
	Type       string                 `json:"event"`
	UserID     string                 `json:"user_id"`
	CropID     string                 `json:"crop_id,omitempty"`
	ActivityID string                 `json:"activity_id,omitempty"`
	MaterialID string                 `json:"material_id,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// Notifier 事件通知
type Notifier interface {
	Notify(ctx context.Context, event FarmEvent)
}

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	UserID string
	Events chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub creates a new SSE Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("sse client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("sse client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToUser 给特定用户发送事件
func (h *Hub) SendToUser(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.UserID != userID {
			continue
		}
		select {
		case client.Events <- event:
		default:
			h.logger.Warn("sse client buffer full, skipping event", zap.String("client_id", client.ID))
		}
	}
}

// Notify 投递给事件所属用户的连接
func (h *Hub) Notify(_ context.Context, event FarmEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal farm event failed", zap.Error(err))
		return
	}
	h.SendToUser(event.UserID, Event{EventType: event.Type, Data: string(data)})
}

// Multi 依次通知多个Notifier
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event FarmEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Notify(context.Context, FarmEvent) {}
