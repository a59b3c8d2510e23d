package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		Kind:                KindTransactionCompleted,
		TransactionID:       "4f9d7c1e-3c1b-4c38-9f5e-0d7a1c2b3e4f",
		Type:                "SPEND",
		Subject:             "user-1",
		AssetTypeCode:       "GOLD_COIN",
		Amount:              "30.00",
		WalletBalanceAfter:  "70.00",
		SourceWalletID:      4,
		DestinationWalletID: 3,
		OccurredAt:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKafkaNotifierPublishesKeyedJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	event := sampleEvent()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "wallet.transactions" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != event.TransactionID {
			return errors.New("unexpected key " + string(key))
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got Event
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.TransactionID != event.TransactionID || got.Amount != event.Amount || !got.OccurredAt.Equal(event.OccurredAt) {
			return errors.New("payload does not round trip")
		}
		return nil
	})

	n := NewKafkaNotifier(producer, "wallet.transactions")
	require.NoError(t, n.Publish(context.Background(), event))
	require.NoError(t, n.Close())
}

func TestKafkaNotifierSurfacesBrokerError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	n := NewKafkaNotifier(producer, "wallet.transactions")
	err := n.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, n.Close())
}

func TestKafkaNotifierHonoursCancelledContext(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewKafkaNotifier(producer, "wallet.transactions")
	assert.ErrorIs(t, n.Publish(ctx, sampleEvent()), context.Canceled)
	require.NoError(t, n.Close())
}

func TestLoggerNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, NewLoggerNotifier(logger).Publish(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), `"transaction_id":"4f9d7c1e-3c1b-4c38-9f5e-0d7a1c2b3e4f"`)
	assert.Contains(t, buf.String(), `"kind":"transaction_completed"`)
}

func TestNilLoggerNotifierIsSafe(t *testing.T) {
	var n *LoggerNotifier
	assert.NoError(t, n.Publish(context.Background(), sampleEvent()))
}
