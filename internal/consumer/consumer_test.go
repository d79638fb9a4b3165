package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReader struct {
	m        sync.Mutex
	messages []kafka.Message
	err      error
}

func (m *mockReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.m.Lock()
	if m.err != nil {
		err := m.err
		m.m.Unlock()
		return kafka.Message{}, err
	}
	if len(m.messages) > 0 {
		msg := m.messages[0]
		m.messages = m.messages[1:]
		m.m.Unlock()
		return msg, nil
	}
	m.m.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockReader) Close() error { return nil }

type mockHistory struct {
	m       sync.RWMutex
	records []domain.HistoryRecord
	err     error
}

func (m *mockHistory) SaveHistory(_ context.Context, r domain.HistoryRecord) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *mockHistory) count() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return len(m.records)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func eventMessage(t *testing.T, orderID string) kafka.Message {
	event := publisher.NewCheckoutCompletedEvent(domain.HistoryRecord{
		OrderID: orderID,
		CartID:  "cart-1",
		UserID:  "user-1",
		Total:   decimal.RequireFromString("127.50"),
	})
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Key: []byte("cart-1"), Value: value}
}

func TestConsumer_SavesHistory(t *testing.T) {
	reader := &mockReader{messages: []kafka.Message{
		eventMessage(t, "order-1"),
		{Value: []byte("not json")},
		{Value: []byte(`{"cart_id":"x"}`)},
		eventMessage(t, "order-2"),
	}}
	history := &mockHistory{}
	c := NewConsumer(reader, history, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return history.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "order-1", history.records[0].OrderID)
	assert.True(t, history.records[0].Total.Equal(decimal.RequireFromString("127.50")))
	assert.Equal(t, "order-2", history.records[1].OrderID)
}

func TestConsumer_ConsumeOneErrors(t *testing.T) {
	history := &mockHistory{err: errors.New("mongo down")}
	c := NewConsumer(&mockReader{messages: []kafka.Message{eventMessage(t, "order-1")}}, history, quietLogger())

	err := c.consumeOne(context.Background())
	assert.ErrorContains(t, err, "mongo down")

	c = NewConsumer(&mockReader{err: errors.New("broker gone")}, history, quietLogger())
	c.retryWait = time.Millisecond
	err = c.consumeOne(context.Background())
	assert.ErrorContains(t, err, "broker gone")
}
