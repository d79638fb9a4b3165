package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoryRecord is a completed, paid cart session as shown in purchase history.
type HistoryRecord struct {
	OrderID     string          `json:"orderId"`
	CartID      string          `json:"cartId"`
	MarketID    string          `json:"marketId"`
	UserID      string          `json:"userId"`
	PaymentID   string          `json:"paymentId"`
	Items       []CartLine      `json:"items"`
	Total       decimal.Decimal `json:"total"`
	CompletedAt time.Time       `json:"completedAt"`
}
