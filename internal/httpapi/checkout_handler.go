package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type CheckoutHandler struct {
	sessions  Sessions
	provider  payment.Provider
	returnURL string
	timeout   time.Duration
	log       logrus.FieldLogger
}

func NewCheckoutHandler(sessions Sessions, provider payment.Provider, returnURL string, timeout time.Duration, log logrus.FieldLogger) *CheckoutHandler {
	return &CheckoutHandler{sessions: sessions, provider: provider, returnURL: returnURL, timeout: timeout, log: log}
}

type CheckoutRequestDTO struct {
	CartID      string            `json:"cartId"`
	Items       []domain.CartLine `json:"items"`
	PayerEmail  string            `json:"payerEmail"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

type CheckoutResponseDTO struct {
	PaymentLink       string `json:"link_pagamento"`
	PaymentProviderID string `json:"paymentProviderId"`
}

type ConfirmPaymentRequestDTO struct {
	CartID    string `json:"cartId"`
	MarketID  string `json:"marketId"`
	PaymentID string `json:"paymentId"`
}

type ConfirmPaymentResponseDTO struct {
	OrderID  string          `json:"orderId"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

// POST /api/checkout
func (h *CheckoutHandler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.PayerEmail == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "payerEmail is required")
		return
	}

	s, ok := ownedSession(w, r, h.sessions, req.CartID)
	if !ok {
		return
	}

	// the client never computes totals; a different one means it was
	// looking at an outdated snapshot
	current := s.View().Snapshot
	if !req.TotalAmount.Equal(current.TotalValue) {
		respondError(w, http.StatusConflict, "stale_cart", "cart changed, refresh before checkout")
		return
	}

	snap, err := s.StartCheckout(ctx)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	log := h.log.WithFields(logrus.Fields{"cart_id": snap.CartID, "correlation_id": GetCorrelationID(r.Context())})
	link, err := h.provider.CreateLink(ctx, payment.LinkRequest{
		CartID:     snap.CartID,
		MarketID:   snap.MarketID,
		PayerEmail: req.PayerEmail,
		Items:      snap.Items,
		Total:      snap.TotalValue,
		ReturnURL:  h.returnURL,
	})
	if err != nil {
		log.WithError(err).Warn("payment link request failed")
		// let the shopper retry; the request context may already be gone
		markCtx, markCancel := context.WithTimeout(context.Background(), time.Second)
		if errMark := s.MarkLinkFailed(markCtx); errMark != nil {
			log.WithError(errMark).Error("mark link failed")
		}
		markCancel()
		handleDomainError(w, err)
		return
	}

	log.WithField("provider_id", link.ProviderID).Info("payment link issued")
	respondJSON(w, http.StatusCreated, CheckoutResponseDTO{
		PaymentLink:       link.URL,
		PaymentProviderID: link.ProviderID,
	})
}

// POST /api/confirm-payment
func (h *CheckoutHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ConfirmPaymentRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.PaymentID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "paymentId is required")
		return
	}

	s, ok := ownedSession(w, r, h.sessions, req.CartID)
	if !ok {
		return
	}
	if req.MarketID != "" && req.MarketID != s.MarketID() {
		respondError(w, http.StatusConflict, "market_mismatch", "cart belongs to another market")
		return
	}

	snap, err := s.ConfirmPayment(ctx, req.PaymentID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ConfirmPaymentResponseDTO{OrderID: snap.OrderID, Snapshot: snap})
}
