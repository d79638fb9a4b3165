package domain

import "time"

type HandoffStatus string

const (
	HandoffInitiated  HandoffStatus = "initiated"
	HandoffRedirected HandoffStatus = "redirected"
	HandoffConfirmed  HandoffStatus = "confirmed"
	HandoffFailed     HandoffStatus = "failed"
)

// PaymentHandoff bridges the redirect to the payment provider and the
// confirmation on return. It lives in durable client storage keyed by CartID.
type PaymentHandoff struct {
	CartID            string
	MarketID          string
	PaymentProviderID *string
	PaymentLink       string
	Status            HandoffStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

var handoffTransitions = map[HandoffStatus][]HandoffStatus{
	HandoffInitiated:  {HandoffRedirected, HandoffFailed},
	HandoffRedirected: {HandoffConfirmed, HandoffFailed},
	HandoffFailed:     {HandoffInitiated, HandoffRedirected},
	HandoffConfirmed:  {},
}

func CanTransitionTo(from, to HandoffStatus) bool {
	for _, next := range handoffTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
