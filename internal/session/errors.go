package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionBusy       = errors.New("session busy: a scan is still awaiting its weight")
	ErrScan              = errors.New("scan rejected")
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrCheckoutPending   = errors.New("checkout already pending")
	ErrSessionClosed     = errors.New("cart session closed")
	ErrIllegalTransition = errors.New("illegal transition of session phase")
	ErrNoPending         = errors.New("no pending scan for this reading")
	ErrStaleReading      = errors.New("reading does not match the pending scan")
	ErrCartInUse         = errors.New("cart is bound to another shopper")
	ErrMarketMismatch    = errors.New("cart belongs to another market")
	ErrSessionNotFound   = errors.New("cart session not found")
)

// WeightMismatchError is returned when a reading falls outside the
// tolerance band. The cart is left unchanged.
type WeightMismatchError struct {
	Barcode     string
	ProductName string
	Expected    float64
	Received    float64
}

func (e *WeightMismatchError) Error() string {
	return fmt.Sprintf("weight mismatch for %s: expected %.0fg, received %.0fg", e.Barcode, e.Expected, e.Received)
}
