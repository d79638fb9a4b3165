// Package payment issues payment links through an external provider. The
// provider's own payment state machine is not modelled here.
package payment

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment provider rejected the request")
)

type LinkRequest struct {
	CartID     string            `json:"cartId"`
	MarketID   string            `json:"marketId"`
	PayerEmail string            `json:"payerEmail"`
	Items      []domain.CartLine `json:"items"`
	Total      decimal.Decimal   `json:"totalAmount"`
	ReturnURL  string            `json:"returnUrl,omitempty"`
}

type Link struct {
	URL        string `json:"link"`
	ProviderID string `json:"id"`
}

type Provider interface {
	CreateLink(ctx context.Context, req LinkRequest) (Link, error)
}
