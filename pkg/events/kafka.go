package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/marketchat/pkg/apperr"
)

// KafkaLog appends events to a topic keyed by conversation id, so each
// conversation's events stay ordered within a partition.
type KafkaLog struct {
	writer *kafka.Writer
}

var _ Publisher = (*KafkaLog)(nil)

func NewKafkaLog(brokers []string, topic string) *KafkaLog {
	return &KafkaLog{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (k *KafkaLog) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ConversationID),
		Value: payload,
		Time:  e.At,
	})
	return apperr.Transient("kafka: write event", err)
}

func (k *KafkaLog) Close() error {
	return k.writer.Close()
}

// NewKafkaReader returns a consumer-group reader over the event topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}
