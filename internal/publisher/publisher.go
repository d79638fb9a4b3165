// Package publisher announces completed checkouts. With Kafka configured
// the event goes to a topic consumed into purchase history; without it the
// history is written directly.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type HistoryWriter interface {
	SaveHistory(ctx context.Context, record domain.HistoryRecord) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// FallbackTimeout bounds the direct history write after a failed publish.
const FallbackTimeout = 5 * time.Second

type KafkaPublisher struct {
	writer          MessageWriter
	fallback        HistoryWriter
	fallbackTimeout time.Duration
	log             logrus.FieldLogger
}

// NewKafkaPublisher publishes through writer. When a publish fails the
// record is written to fallback so the purchase is never lost; history
// writes are idempotent per order id, so a later redelivery is harmless.
func NewKafkaPublisher(writer MessageWriter, fallback HistoryWriter, log logrus.FieldLogger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, fallback: fallback, fallbackTimeout: FallbackTimeout, log: log}
}

func (p *KafkaPublisher) CheckoutCompleted(ctx context.Context, record domain.HistoryRecord) error {
	event := NewCheckoutCompletedEvent(record)
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal checkout event failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(record.CartID), // per-cart ordering
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeCheckoutDone)},
		},
	}

	errPublish := p.writer.WriteMessages(ctx, msg)
	if errPublish == nil {
		return nil
	}

	p.log.WithError(errPublish).WithField("order_id", record.OrderID).Warn("publish checkout event failed, writing history directly")
	if p.fallback == nil {
		return fmt.Errorf("publish checkout event failed: %w", errPublish)
	}
	// the publish may have failed because ctx ran out; the fallback gets
	// its own deadline
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fallbackTimeout)
	defer cancel()
	if err := p.fallback.SaveHistory(fctx, record); err != nil {
		return fmt.Errorf("publish checkout event failed: %v; history fallback failed: %w", errPublish, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// DirectSink records completed checkouts straight into history.
type DirectSink struct {
	history HistoryWriter
}

func NewDirectSink(history HistoryWriter) *DirectSink {
	return &DirectSink{history: history}
}

func (s *DirectSink) CheckoutCompleted(ctx context.Context, record domain.HistoryRecord) error {
	return s.history.SaveHistory(ctx, record)
}
