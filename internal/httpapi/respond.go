package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/cartsync/internal/payment"
	"github.com/fjod/go_cart/cartsync/internal/session"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleDomainError converts session and payment errors to HTTP statuses.
func handleDomainError(w http.ResponseWriter, err error) {
	var httpStatus int
	var code string

	var mismatch *session.WeightMismatchError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		httpStatus, code = http.StatusNotFound, "cart_not_found"
	case errors.Is(err, session.ErrCartInUse):
		httpStatus, code = http.StatusConflict, "cart_in_use"
	case errors.Is(err, session.ErrMarketMismatch):
		httpStatus, code = http.StatusConflict, "market_mismatch"
	case errors.Is(err, session.ErrEmptyCart):
		httpStatus, code = http.StatusUnprocessableEntity, "empty_cart"
	case errors.Is(err, session.ErrCheckoutPending):
		httpStatus, code = http.StatusConflict, "checkout_pending"
	case errors.Is(err, session.ErrSessionBusy):
		httpStatus, code = http.StatusConflict, "session_busy"
	case errors.Is(err, session.ErrSessionClosed):
		httpStatus, code = http.StatusGone, "session_closed"
	case errors.Is(err, session.ErrIllegalTransition):
		httpStatus, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, session.ErrScan):
		httpStatus, code = http.StatusBadRequest, "scan_error"
	case errors.As(err, &mismatch):
		httpStatus, code = http.StatusUnprocessableEntity, "weight_mismatch"
	case errors.Is(err, payment.ErrProviderRejected):
		httpStatus, code = http.StatusBadGateway, "payment_rejected"
	case errors.Is(err, payment.ErrProviderUnavailable):
		httpStatus, code = http.StatusServiceUnavailable, "payment_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus, code = http.StatusGatewayTimeout, "timeout"
	default:
		httpStatus, code = http.StatusInternalServerError, "internal_error"
	}

	msg := err.Error()
	if httpStatus == http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
		msg = "internal server error"
	}
	respondError(w, httpStatus, code, msg)
}
