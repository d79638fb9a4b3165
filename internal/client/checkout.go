package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/handoff"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrCheckoutInFlight = errors.New("checkout already in flight")
	// ErrPaymentHandoffLost is fatal: a payment came back that no local
	// handoff explains. It needs support, never an automatic retry.
	ErrPaymentHandoffLost  = errors.New("payment handoff lost")
	ErrUnknownReturnStatus = errors.New("unknown payment return status")
)

type ReturnStatus string

const (
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
	ReturnCancelled ReturnStatus = "cancelled"
)

// ReturnParams is what the payment provider appends to the return URL.
type ReturnParams struct {
	Status    ReturnStatus
	PaymentID string
}

// ParseReturnURL reads status and payment_id from a provider return URL.
func ParseReturnURL(raw string) (ReturnParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ReturnParams{}, fmt.Errorf("invalid return url: %w", err)
	}
	q := u.Query()
	p := ReturnParams{Status: ReturnStatus(q.Get("status")), PaymentID: q.Get("payment_id")}
	if p.Status == "" {
		return ReturnParams{}, fmt.Errorf("%w: missing status", ErrUnknownReturnStatus)
	}
	return p, nil
}

// Navigator moves the shopper between screens.
type Navigator interface {
	Redirect(ctx context.Context, link string) error
	ToHistory(orderID string)
	ToSession(cartID, marketID string)
}

type CheckoutAPI interface {
	Checkout(ctx context.Context, req CheckoutRequest) (CheckoutLink, error)
}

// Connector is the part of *Conn the coordinator needs.
type Connector interface {
	Emitter
	Connect(ctx context.Context, creds Credentials) error
	State() ConnState
}

type CoordinatorDeps struct {
	Mirror    *Mirror
	API       CheckoutAPI
	Handoffs  handoff.Store
	Conn      Connector
	Creds     Credentials
	Cache     cache.SnapshotCache
	Navigator Navigator
	Log       logrus.FieldLogger
}

// Coordinator drives checkout across the redirect to the payment provider.
type Coordinator struct {
	deps CoordinatorDeps
	log  logrus.FieldLogger

	mu       sync.Mutex
	inFlight bool
	navOnce  sync.Once
}

func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Coordinator{deps: deps, log: deps.Log.WithField("cart_id", deps.Mirror.CartID())}
}

// Begin requests a payment link for the current cart and redirects to it.
// The handoff is stored before the redirect so that the return can be
// matched even if this process does not survive it. After a failure the
// cart stays frozen and Begin may be called again.
func (c *Coordinator) Begin(ctx context.Context, payerEmail string) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrCheckoutInFlight
	}
	c.inFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	m := c.deps.Mirror
	snap, err := m.beginCheckout()
	if err != nil {
		return err
	}

	h := domain.PaymentHandoff{CartID: snap.CartID, MarketID: m.MarketID(), Status: domain.HandoffInitiated}
	if h.CartID == "" {
		h.CartID = m.CartID()
	}
	if err := c.deps.Handoffs.Save(ctx, h); err != nil {
		return fmt.Errorf("save payment handoff: %w", err)
	}

	link, err := c.deps.API.Checkout(ctx, CheckoutRequest{
		CartID:      h.CartID,
		Items:       snap.Items,
		PayerEmail:  payerEmail,
		TotalAmount: snap.TotalValue,
	})
	if err != nil {
		if errMark := c.deps.Handoffs.UpdateStatus(ctx, h.CartID, domain.HandoffFailed); errMark != nil {
			c.log.WithError(errMark).Warn("mark handoff failed")
		}
		m.notify(Notice{Kind: NoticeError, Text: "Could not start the payment, try again"})
		return fmt.Errorf("request payment link: %w", err)
	}

	providerID := link.PaymentProviderID
	h.PaymentProviderID = &providerID
	h.PaymentLink = link.PaymentLink
	h.Status = domain.HandoffRedirected
	if err := c.deps.Handoffs.Save(ctx, h); err != nil {
		return fmt.Errorf("save payment handoff: %w", err)
	}

	c.log.WithField("provider_id", providerID).Info("redirecting to payment")
	return c.deps.Navigator.Redirect(ctx, link.PaymentLink)
}

// Resume handles the return from the payment provider. An approved payment
// is confirmed over the socket and Resume blocks until checkout_complete;
// the shopper is then sent to the history screen exactly once.
func (c *Coordinator) Resume(ctx context.Context, params ReturnParams) error {
	h, err := c.deps.Handoffs.Active(ctx)
	if errors.Is(err, handoff.ErrHandoffNotFound) {
		return ErrPaymentHandoffLost
	}
	if err != nil {
		return fmt.Errorf("load payment handoff: %w", err)
	}
	if h.CartID != c.deps.Mirror.CartID() {
		return fmt.Errorf("%w: handoff is for cart %s", ErrPaymentHandoffLost, h.CartID)
	}

	switch params.Status {
	case ReturnApproved:
		return c.confirm(ctx, h, params.PaymentID)
	case ReturnRejected, ReturnCancelled:
		return c.abort(ctx, h, params.Status)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReturnStatus, params.Status)
	}
}

func (c *Coordinator) confirm(ctx context.Context, h *domain.PaymentHandoff, paymentID string) error {
	if paymentID == "" {
		return fmt.Errorf("%w: approved without payment id", ErrUnknownReturnStatus)
	}
	if err := c.ensureConnected(ctx, h.CartID); err != nil {
		return err
	}
	err := c.deps.Conn.Emit(ctx, protocol.EventPaymentConfirmed, protocol.PaymentConfirmed{CartID: h.CartID, PaymentID: paymentID})
	if err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}

	if h.Status != domain.HandoffConfirmed {
		if err := c.deps.Handoffs.UpdateStatus(ctx, h.CartID, domain.HandoffConfirmed); err != nil {
			c.log.WithError(err).Warn("mark handoff confirmed")
		}
	}
	c.deps.Mirror.notify(Notice{Kind: NoticeInfo, Persistent: true, Text: "Confirming your payment..."})

	snap, err := c.deps.Mirror.WaitComplete(ctx)
	if err != nil {
		return fmt.Errorf("wait for checkout completion: %w", err)
	}

	if err := c.deps.Handoffs.Delete(ctx, h.CartID); err != nil {
		c.log.WithError(err).Warn("delete payment handoff")
	}
	if c.deps.Cache != nil {
		if err := c.deps.Cache.Clear(ctx); err != nil {
			c.log.WithError(err).Warn("clear cached snapshot")
		}
	}

	c.navOnce.Do(func() {
		c.log.WithField("order_id", snap.OrderID).Info("checkout complete")
		c.deps.Navigator.ToHistory(snap.OrderID)
	})
	return nil
}

func (c *Coordinator) abort(ctx context.Context, h *domain.PaymentHandoff, status ReturnStatus) error {
	if h.Status != domain.HandoffFailed {
		if err := c.deps.Handoffs.UpdateStatus(ctx, h.CartID, domain.HandoffFailed); err != nil {
			c.log.WithError(err).Warn("mark handoff failed")
		}
	}

	if err := c.ensureConnected(ctx, h.CartID); err != nil {
		return err
	}
	if err := c.deps.Conn.Emit(ctx, protocol.EventCheckoutCancelled, protocol.CheckoutCancelled{CartID: h.CartID}); err != nil {
		return fmt.Errorf("cancel checkout: %w", err)
	}

	c.deps.Mirror.endCheckout()
	c.deps.Mirror.notify(Notice{Kind: NoticeWarning, Text: fmt.Sprintf("Payment %s, your cart is still here", status)})
	c.deps.Navigator.ToSession(h.CartID, h.MarketID)
	return nil
}

func (c *Coordinator) ensureConnected(ctx context.Context, cartID string) error {
	if c.deps.Conn.State() == StateConnected {
		return nil
	}
	creds := c.deps.Creds
	creds.CartID = cartID
	if err := c.deps.Conn.Connect(ctx, creds); err != nil {
		return fmt.Errorf("reconnect for payment: %w", err)
	}
	return nil
}
