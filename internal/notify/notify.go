// Package notify 通过 Redis Pub/Sub 向在线用户推送消息，由 WebSocket 连接转发给前端。
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 消息类型。
const (
	TypeCVRender = "cv_render"
	TypePayment  = "payment"
)

// Message 是统一的推送协议，字段名与前端解析保持一致。
type Message struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	CVID          uint   `json:"cv_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Channel 返回用户专属的推送频道。
func Channel(userID uint) string {
	return fmt.Sprintf("user_notify:%d", userID)
}

// Publisher 把消息发布到 Redis。
type Publisher struct {
	client redis.UniversalClient
}

func NewPublisher(client redis.UniversalClient) *Publisher {
	return &Publisher{client: client}
}

// Publish 序列化并发布消息。
func (p *Publisher) Publish(ctx context.Context, userID uint, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notify message: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish notify message: %w", err)
	}
	return nil
}

// PaymentUpdated 推送支付状态变更。
func (p *Publisher) PaymentUpdated(ctx context.Context, userID uint, reference, status string) error {
	return p.Publish(ctx, userID, Message{
		Type:      TypePayment,
		Status:    status,
		Reference: reference,
	})
}
