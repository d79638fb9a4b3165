package repository

import (
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

// Prices are stored as decimal strings; decimal.Decimal has no BSON codec.

type lineDocument struct {
	Barcode        string   `bson:"barcode"`
	Name           string   `bson:"name"`
	UnitPrice      string   `bson:"unit_price"`
	Quantity       int      `bson:"quantity"`
	MeasuredWeight *float64 `bson:"measured_weight,omitempty"`
}

type snapshotDocument struct {
	CartID     string         `bson:"cart_id"`
	MarketID   string         `bson:"market_id"`
	Items      []lineDocument `bson:"items"`
	TotalValue string         `bson:"total_value"`
	Status     string         `bson:"status"`
	Version    int64          `bson:"version"`
	OrderID    string         `bson:"order_id,omitempty"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

type historyDocument struct {
	OrderID     string         `bson:"order_id"`
	CartID      string         `bson:"cart_id"`
	MarketID    string         `bson:"market_id"`
	UserID      string         `bson:"user_id"`
	PaymentID   string         `bson:"payment_id"`
	Items       []lineDocument `bson:"items"`
	Total       string         `bson:"total"`
	CompletedAt time.Time      `bson:"completed_at"`
}

func toLineDocuments(items []domain.CartLine) []lineDocument {
	out := make([]lineDocument, 0, len(items))
	for _, l := range items {
		out = append(out, lineDocument{
			Barcode:        l.Barcode,
			Name:           l.Name,
			UnitPrice:      l.UnitPrice.String(),
			Quantity:       l.Quantity,
			MeasuredWeight: l.MeasuredWeight,
		})
	}
	return out
}

func fromLineDocuments(docs []lineDocument) ([]domain.CartLine, error) {
	out := make([]domain.CartLine, 0, len(docs))
	for _, d := range docs {
		price, err := decimal.NewFromString(d.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", d.Barcode, err)
		}
		out = append(out, domain.CartLine{
			Barcode:        d.Barcode,
			Name:           d.Name,
			UnitPrice:      price,
			Quantity:       d.Quantity,
			MeasuredWeight: d.MeasuredWeight,
		})
	}
	return out, nil
}

func toSnapshotDocument(s domain.Snapshot) snapshotDocument {
	return snapshotDocument{
		CartID:     s.CartID,
		MarketID:   s.MarketID,
		Items:      toLineDocuments(s.Items),
		TotalValue: s.TotalValue.String(),
		Status:     string(s.Status),
		Version:    s.Version,
		OrderID:    s.OrderID,
		UpdatedAt:  s.UpdatedAt,
	}
}

func (d snapshotDocument) toDomain() (*domain.Snapshot, error) {
	items, err := fromLineDocuments(d.Items)
	if err != nil {
		return nil, err
	}
	total, err := decimal.NewFromString(d.TotalValue)
	if err != nil {
		return nil, fmt.Errorf("invalid total for cart %s: %w", d.CartID, err)
	}
	return &domain.Snapshot{
		CartID:     d.CartID,
		MarketID:   d.MarketID,
		Items:      items,
		TotalValue: total,
		Status:     domain.SessionStatus(d.Status),
		Version:    d.Version,
		OrderID:    d.OrderID,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

func toHistoryDocument(r domain.HistoryRecord) historyDocument {
	return historyDocument{
		OrderID:     r.OrderID,
		CartID:      r.CartID,
		MarketID:    r.MarketID,
		UserID:      r.UserID,
		PaymentID:   r.PaymentID,
		Items:       toLineDocuments(r.Items),
		Total:       r.Total.String(),
		CompletedAt: r.CompletedAt,
	}
}

func (d historyDocument) toDomain() (domain.HistoryRecord, error) {
	items, err := fromLineDocuments(d.Items)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	total, err := decimal.NewFromString(d.Total)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("invalid total for order %s: %w", d.OrderID, err)
	}
	return domain.HistoryRecord{
		OrderID:     d.OrderID,
		CartID:      d.CartID,
		MarketID:    d.MarketID,
		UserID:      d.UserID,
		PaymentID:   d.PaymentID,
		Items:       items,
		Total:       total,
		CompletedAt: d.CompletedAt,
	}, nil
}
