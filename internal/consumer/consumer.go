// Package consumer moves completed checkouts from Kafka into purchase history.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const DefaultGroupID = "cartsync-history"

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

type Consumer struct {
	reader    MessageReader
	history   publisher.HistoryWriter
	log       logrus.FieldLogger
	retryWait time.Duration
}

func NewConsumer(reader MessageReader, history publisher.HistoryWriter, log logrus.FieldLogger) *Consumer {
	return &Consumer{reader: reader, history: history, log: log, retryWait: 2 * time.Second}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("consume checkout event failed")
		}
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.WithError(err).Warn("close kafka reader failed")
	}
}

func (c *Consumer) consumeOne(ctx context.Context) error {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
			}
		}
		return fmt.Errorf("error reading message: %w", err)
	}

	var event publisher.CheckoutCompletedEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return fmt.Errorf("error parsing message at offset %d: %w", m.Offset, err)
	}
	if event.OrderID == "" {
		return fmt.Errorf("message at offset %d has no order_id", m.Offset)
	}

	if err := c.history.SaveHistory(ctx, event.Record()); err != nil {
		return fmt.Errorf("failed to save history for order %s: %w", event.OrderID, err)
	}

	c.log.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"cart_id":  event.CartID,
	}).Info("purchase recorded")
	return nil
}
