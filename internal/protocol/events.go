// Package protocol defines the socket vocabulary shared by the cart server
// and its clients. Every frame is a JSON Envelope naming one event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
)

type Event string

// Client -> server.
const (
	EventJoinCartRoom         Event = "join_cart_room"
	EventScanBarcode          Event = "scan_barcode"
	EventWeightReading        Event = "weight_reading"
	EventRemoveItem           Event = "remove_item"
	EventWeightRemovalReading Event = "weight_removal_reading"
	EventPaymentConfirmed     Event = "payment_confirmed"
	EventCheckoutCancelled    Event = "checkout_cancelled"
)

// Server -> client.
const (
	EventCartUpdate       Event = "cart_update"
	EventAwaitingWeight   Event = "awaiting_weight"
	EventWeightConfirmed  Event = "weight_confirmed"
	EventAwaitingRemoval  Event = "awaiting_removal"
	EventRemovalConfirmed Event = "removal_confirmed"
	EventScanError        Event = "scan_error"
	EventWeightError      Event = "weight_error"
	EventSessionBusy      Event = "session_busy"
	EventPendingExpired   Event = "pending_expired"
	EventCheckoutComplete Event = "checkout_complete"
	EventError            Event = "error"
)

var ErrUnknownEvent = errors.New("unknown event")

// Envelope is one frame on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event Event, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload failed: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(event Event, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload failed: %w", e.Event, err)
	}
	return nil
}

// JoinCartRoom carries the cart id as a bare JSON string.
type JoinCartRoom string

type ScanBarcode struct {
	CartID   string `json:"cartId"`
	Barcode  string `json:"barcode"`
	Quantity int    `json:"quantity"`
}

type WeightReading struct {
	CartID         string  `json:"cartId"`
	Barcode        string  `json:"barcode"`
	MeasuredWeight float64 `json:"measuredWeight"`
	Quantity       int     `json:"quantity"`
}

type RemoveItem struct {
	CartID   string `json:"cartId"`
	Barcode  string `json:"barcode"`
	Quantity int    `json:"quantity"`
}

type PaymentConfirmed struct {
	CartID    string `json:"cartId"`
	PaymentID string `json:"paymentId"`
}

type CheckoutCancelled struct {
	CartID string `json:"cartId"`
}

type AwaitingWeight struct {
	Product        domain.Product `json:"product"`
	ExpectedWeight float64        `json:"expectedWeight"`
	Quantity       int            `json:"quantity"`
}

type WeightConfirmed struct {
	Product  domain.Product `json:"product"`
	Quantity int            `json:"quantity"`
}

type AwaitingRemoval struct {
	Product          domain.Product `json:"product"`
	ExpectedWeight   float64        `json:"expectedWeight"`
	QuantityToRemove int            `json:"quantityToRemove"`
}

type RemovalConfirmed struct {
	Product         domain.Product `json:"product"`
	QuantityRemoved int            `json:"quantityRemoved"`
}

type WeightError struct {
	ProductName string  `json:"productName"`
	Expected    float64 `json:"expected"`
	Received    float64 `json:"received"`
}

type PendingExpired struct {
	Barcode string `json:"barcode"`
}

// Message is the payload of scan_error, session_busy and error.
type Message struct {
	Message string `json:"message"`
}
