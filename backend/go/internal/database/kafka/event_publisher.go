package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"Storyloom/backend/go/pkg/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter 是 kafka.Writer 的最小子集。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher 将流水线事件镜像到 Kafka，键为流水线 ID。
type EventPublisher struct {
	writer MessageWriter
}

// NewEventPublisher 创建一个新的 EventPublisher 实例。
func NewEventPublisher(writer MessageWriter) *EventPublisher {
	return &EventPublisher{writer: writer}
}

// Publish 将事件序列化为 JSON 并发送到 Kafka。
func (p *EventPublisher) Publish(ctx context.Context, event models.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PipelineID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close 关闭底层的 writer 连接。
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
