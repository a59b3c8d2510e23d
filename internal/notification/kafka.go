package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes events as JSON messages keyed by transaction id,
// so all events for one transaction land on the same partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaNotifier wraps an existing producer.
func NewKafkaNotifier(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

// Publish sends the event and waits for the broker acknowledgement.
func (n *KafkaNotifier) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.TransactionID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(event.Kind)},
		},
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.TransactionID, err)
	}
	return nil
}

// Close releases the producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
