package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is one scanned and weight-confirmed product in a cart. Lines are
// merged by barcode; a pending scan never becomes a line.
type CartLine struct {
	Barcode        string          `json:"barcode"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity"`
	MeasuredWeight *float64        `json:"weight,omitempty"`
}

// Subtotal is UnitPrice x Quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is the full authoritative cart state sent on every mutation.
// Clients treat it as read-only.
type Snapshot struct {
	CartID     string          `json:"cartId"`
	MarketID   string          `json:"marketId"`
	Items      []CartLine      `json:"items"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Status     SessionStatus   `json:"status"`
	Version    int64           `json:"version"`
	OrderID    string          `json:"orderId,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Items) == 0
}

func (s Snapshot) Line(barcode string) (CartLine, bool) {
	for _, l := range s.Items {
		if l.Barcode == barcode {
			return l, true
		}
	}
	return CartLine{}, false
}

// ItemCount sums the quantities of all lines.
func (s Snapshot) ItemCount() int {
	n := 0
	for _, l := range s.Items {
		n += l.Quantity
	}
	return n
}

// Clone returns a deep copy so that receivers can never alias the
// session's own line slice.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Items = CloneLines(s.Items)
	return c
}

func CloneLines(items []CartLine) []CartLine {
	if items == nil {
		return []CartLine{}
	}
	out := make([]CartLine, len(items))
	for i, l := range items {
		out[i] = l
		if l.MeasuredWeight != nil {
			w := *l.MeasuredWeight
			out[i].MeasuredWeight = &w
		}
	}
	return out
}
