package publisher

import (
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultTopic          = "cartsync.checkout-completed"
	EventTypeCheckoutDone = "checkout_completed"
)

// CheckoutCompletedEvent is the message published once per paid cart.
type CheckoutCompletedEvent struct {
	EventID     string            `json:"event_id"`
	OrderID     string            `json:"order_id"`
	CartID      string            `json:"cart_id"`
	MarketID    string            `json:"market_id"`
	UserID      string            `json:"user_id"`
	PaymentID   string            `json:"payment_id"`
	Items       []domain.CartLine `json:"items"`
	Total       decimal.Decimal   `json:"total"`
	CompletedAt time.Time         `json:"completed_at"`
}

func NewCheckoutCompletedEvent(r domain.HistoryRecord) CheckoutCompletedEvent {
	return CheckoutCompletedEvent{
		EventID:     uuid.NewString(),
		OrderID:     r.OrderID,
		CartID:      r.CartID,
		MarketID:    r.MarketID,
		UserID:      r.UserID,
		PaymentID:   r.PaymentID,
		Items:       domain.CloneLines(r.Items),
		Total:       r.Total,
		CompletedAt: r.CompletedAt,
	}
}

func (e CheckoutCompletedEvent) Record() domain.HistoryRecord {
	return domain.HistoryRecord{
		OrderID:     e.OrderID,
		CartID:      e.CartID,
		MarketID:    e.MarketID,
		UserID:      e.UserID,
		PaymentID:   e.PaymentID,
		Items:       domain.CloneLines(e.Items),
		Total:       e.Total,
		CompletedAt: e.CompletedAt,
	}
}
