package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionBusy     = errors.New("waiting for the scale, finish the current item first")
	ErrCheckoutPending = errors.New("checkout in progress")
	ErrClosed          = errors.New("cart session closed")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrNotInCart       = errors.New("item is not in the cart")
	ErrInvalidScan     = errors.New("invalid scan")
	ErrNoScale         = errors.New("no scale attached")
)

const DefaultMaxQuantity = 50

type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeWarning NoticeKind = "warning"
	NoticeError   NoticeKind = "error"
)

// Notice is a user-visible message. Persistent notices stay until the next
// notice replaces them; the others are shown for a short while.
type Notice struct {
	Kind       NoticeKind
	Text       string
	Persistent bool
}

// Emitter sends client events to the server. *Conn implements it.
type Emitter interface {
	Emit(ctx context.Context, event protocol.Event, payload any) error
}

type PendingView struct {
	Kind     domain.PendingKind
	Product  domain.Product
	Quantity int
	// Expected is the magnitude in grams for the whole batch.
	Expected float64
}

// MirrorState is what the UI renders.
type MirrorState struct {
	CartID    string
	MarketID  string
	Phase     domain.Phase
	Snapshot  domain.Snapshot
	Pending   *PendingView
	FromCache bool
}

type MirrorOptions struct {
	Cache        cache.SnapshotCache
	Scale        WeightSource
	MaxQuantity  int
	NoticeBuffer int
	CacheTimeout time.Duration
	Log          logrus.FieldLogger
}

// Mirror is the device's read-only copy of the server cart session. It
// never changes the cart locally; it only renders snapshots and events and
// refuses commands the server would refuse anyway.
type Mirror struct {
	cartID   string
	marketID string
	conn     Emitter
	opts     MirrorOptions
	log      logrus.FieldLogger

	notices  chan Notice
	complete chan struct{}

	mu            sync.RWMutex
	phase         domain.Phase
	snapshot      domain.Snapshot
	hasSnapshot   bool
	fromCache     bool
	pending       *PendingView
	requested     bool
	localCheckout bool
	done          bool
	measureCancel context.CancelFunc
}

func NewMirror(cartID, marketID string, conn Emitter, opts MirrorOptions) *Mirror {
	if opts.MaxQuantity <= 0 {
		opts.MaxQuantity = DefaultMaxQuantity
	}
	if opts.NoticeBuffer <= 0 {
		opts.NoticeBuffer = 32
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Mirror{
		cartID:   cartID,
		marketID: marketID,
		conn:     conn,
		opts:     opts,
		log:      opts.Log.WithField("cart_id", cartID),
		notices:  make(chan Notice, opts.NoticeBuffer),
		complete: make(chan struct{}),
		phase:    domain.PhaseIdle,
		snapshot: domain.Snapshot{CartID: cartID, MarketID: marketID, Status: domain.StatusOpen, Items: []domain.CartLine{}},
	}
}

func (m *Mirror) CartID() string   { return m.cartID }
func (m *Mirror) MarketID() string { return m.marketID }

func (m *Mirror) Notices() <-chan Notice { return m.notices }

func (m *Mirror) State() MirrorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := MirrorState{
		CartID:    m.cartID,
		MarketID:  m.marketID,
		Phase:     m.phase,
		Snapshot:  m.snapshot.Clone(),
		FromCache: m.fromCache,
	}
	if m.pending != nil {
		p := *m.pending
		st.Pending = &p
	}
	return st
}

// RestoreCached shows the cached snapshot of this cart until the server
// sends a fresh one. It reports whether anything was restored.
func (m *Mirror) RestoreCached(ctx context.Context) bool {
	if m.opts.Cache == nil {
		return false
	}
	snap, err := m.opts.Cache.Restore(ctx, m.cartID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.log.WithError(err).Warn("restore cached snapshot failed")
		}
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasSnapshot {
		return false
	}
	m.snapshot = snap.Clone()
	m.hasSnapshot = true
	m.fromCache = true
	m.phase = phaseFor(m.snapshot, false)
	return true
}

// Run consumes server events until ctx is done or events is closed.
func (m *Mirror) Run(ctx context.Context, events <-chan protocol.Envelope) error {
	defer m.cancelMeasure()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.handle(ctx, env); err != nil {
				m.log.WithError(err).WithField("event", env.Event).Warn("bad server event")
			}
		}
	}
}

func (m *Mirror) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventCartUpdate:
		var snap domain.Snapshot
		if err := env.Decode(&snap); err != nil {
			return err
		}
		m.applySnapshot(ctx, snap)

	case protocol.EventAwaitingWeight:
		var p protocol.AwaitingWeight
		if err := env.Decode(&p); err != nil {
			return err
		}
		pending := PendingView{Kind: domain.PendingAdd, Product: p.Product, Quantity: p.Quantity, Expected: p.ExpectedWeight}
		m.setPending(ctx, pending, domain.PhaseAwaitingWeight)
		m.notify(Notice{Kind: NoticeInfo, Persistent: true,
			Text: fmt.Sprintf("Place %d x %s in the cart (about %.0fg)", p.Quantity, p.Product.Name, p.ExpectedWeight)})

	case protocol.EventWeightConfirmed:
		var p protocol.WeightConfirmed
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.clearPending()
		m.notify(Notice{Kind: NoticeSuccess, Text: fmt.Sprintf("%d x %s added", p.Quantity, p.Product.Name)})

	case protocol.EventAwaitingRemoval:
		var p protocol.AwaitingRemoval
		if err := env.Decode(&p); err != nil {
			return err
		}
		pending := PendingView{Kind: domain.PendingRemoval, Product: p.Product, Quantity: p.QuantityToRemove, Expected: p.ExpectedWeight}
		m.setPending(ctx, pending, domain.PhaseAwaitingRemovalWeight)
		m.notify(Notice{Kind: NoticeInfo, Persistent: true,
			Text: fmt.Sprintf("Take %d x %s out of the cart", p.QuantityToRemove, p.Product.Name)})

	case protocol.EventRemovalConfirmed:
		var p protocol.RemovalConfirmed
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.clearPending()
		m.notify(Notice{Kind: NoticeSuccess, Text: fmt.Sprintf("%d x %s removed", p.QuantityRemoved, p.Product.Name)})

	case protocol.EventScanError:
		var p protocol.Message
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.answered()
		m.notify(Notice{Kind: NoticeError, Text: p.Message})

	case protocol.EventWeightError:
		var p protocol.WeightError
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.clearPending()
		m.notify(Notice{Kind: NoticeError,
			Text: fmt.Sprintf("Weight of %s does not match: expected %.0fg, got %.0fg", p.ProductName, p.Expected, p.Received)})

	case protocol.EventSessionBusy:
		var p protocol.Message
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.answered()
		m.notify(Notice{Kind: NoticeWarning, Text: p.Message, Persistent: true})

	case protocol.EventPendingExpired:
		var p protocol.PendingExpired
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.clearPending()
		m.notify(Notice{Kind: NoticeWarning, Text: "No weight change detected, scan the item again"})

	case protocol.EventCheckoutComplete:
		var snap domain.Snapshot
		if err := env.Decode(&snap); err != nil {
			return err
		}
		m.completed(ctx, snap)

	case protocol.EventError:
		var p protocol.Message
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.answered()
		m.notify(Notice{Kind: NoticeError, Text: p.Message})

	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, env.Event)
	}
	return nil
}

func (m *Mirror) applySnapshot(ctx context.Context, snap domain.Snapshot) {
	m.mu.Lock()
	if held := m.snapshot.Version; m.hasSnapshot && !m.fromCache && snap.Version < held {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"held": held, "got": snap.Version}).Debug("ignoring older snapshot")
		return
	}
	if m.phase == domain.PhaseClosed && m.hasSnapshot && !m.fromCache {
		m.mu.Unlock()
		return
	}
	m.snapshot = snap.Clone()
	m.hasSnapshot = true
	m.fromCache = false
	// The server never sends a snapshot while a scan is pending, except as
	// the head of a room replay, which repeats the prompt right after it.
	// Anything still waiting on an answer is therefore stale.
	hadPending := m.pending != nil
	m.pending = nil
	m.requested = false
	m.phase = phaseFor(m.snapshot, m.localCheckout)
	m.mu.Unlock()

	if hadPending {
		m.cancelMeasure()
	}
	m.saveCache(ctx, snap)
}

func (m *Mirror) completed(ctx context.Context, snap domain.Snapshot) {
	m.mu.Lock()
	if m.done {
		// replayed acknowledgement
		m.mu.Unlock()
		return
	}
	m.done = true
	if snap.Version >= m.snapshot.Version || m.fromCache {
		m.snapshot = snap.Clone()
		m.hasSnapshot = true
		m.fromCache = false
	}
	m.phase = domain.PhaseClosed
	m.pending = nil
	m.requested = false
	m.localCheckout = false
	m.mu.Unlock()

	m.cancelMeasure()
	// cached before waiters run, so that their cleanup wins
	m.saveCache(ctx, snap)
	m.notify(Notice{Kind: NoticeSuccess, Persistent: true, Text: "Payment confirmed, thank you!"})
	close(m.complete)
}

// WaitComplete blocks until checkout_complete arrives.
func (m *Mirror) WaitComplete(ctx context.Context) (domain.Snapshot, error) {
	select {
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	case <-m.complete:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.snapshot.Clone(), nil
	}
}

func (m *Mirror) setPending(ctx context.Context, p PendingView, phase domain.Phase) {
	m.mu.Lock()
	m.pending = &p
	m.requested = false
	m.phase = phase
	m.mu.Unlock()

	m.measure(ctx, p)
}

func (m *Mirror) clearPending() {
	m.cancelMeasure()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.requested = false
	if m.phase.AwaitingWeight() {
		m.phase = phaseFor(m.snapshot, m.localCheckout)
	}
}

// answered clears the in-flight command flag after a rejection.
func (m *Mirror) answered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = false
}

func (m *Mirror) Scan(ctx context.Context, barcode string, quantity int) error {
	if barcode == "" {
		return fmt.Errorf("%w: empty barcode", ErrInvalidScan)
	}
	if quantity < 1 || quantity > m.opts.MaxQuantity {
		return fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidScan, m.opts.MaxQuantity)
	}
	if err := m.reserve(); err != nil {
		return err
	}
	err := m.conn.Emit(ctx, protocol.EventScanBarcode, protocol.ScanBarcode{CartID: m.cartID, Barcode: barcode, Quantity: quantity})
	if err != nil {
		m.answered()
	}
	return err
}

func (m *Mirror) Remove(ctx context.Context, barcode string, quantity int) error {
	m.mu.RLock()
	line, ok := m.snapshot.Line(barcode)
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInCart, barcode)
	}
	if quantity < 1 || quantity > line.Quantity {
		return fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidScan, line.Quantity)
	}
	if err := m.reserve(); err != nil {
		return err
	}
	err := m.conn.Emit(ctx, protocol.EventRemoveItem, protocol.RemoveItem{CartID: m.cartID, Barcode: barcode, Quantity: quantity})
	if err != nil {
		m.answered()
	}
	return err
}

// Retry re-reads the scale for the displayed prompt. Without a prompt it
// forgets a command the server never answered, so it can be sent again.
func (m *Mirror) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == domain.PhaseClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.requested = false
	var p *PendingView
	if m.pending != nil {
		held := *m.pending
		p = &held
	}
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	if m.opts.Scale == nil {
		return ErrNoScale
	}
	m.measure(ctx, *p)
	return nil
}

// reserve applies the single-flight guard and marks a command in flight.
func (m *Mirror) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.phase == domain.PhaseClosed:
		return ErrClosed
	case m.phase == domain.PhaseCheckoutPending:
		return ErrCheckoutPending
	case m.pending != nil, m.requested:
		return ErrSessionBusy
	}
	m.requested = true
	return nil
}

// beginCheckout freezes the cart for checkout. Calling it again while the
// checkout is pending returns the same snapshot so the link can be retried.
func (m *Mirror) beginCheckout() (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.phase == domain.PhaseClosed:
		return domain.Snapshot{}, ErrClosed
	case m.phase == domain.PhaseCheckoutPending:
		m.localCheckout = true
		return m.snapshot.Clone(), nil
	case m.pending != nil, m.requested:
		return domain.Snapshot{}, ErrSessionBusy
	case m.snapshot.IsEmpty():
		return domain.Snapshot{}, ErrEmptyCart
	}
	m.localCheckout = true
	m.phase = domain.PhaseCheckoutPending
	return m.snapshot.Clone(), nil
}

// endCheckout unfreezes the cart after a rejected or cancelled payment.
func (m *Mirror) endCheckout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localCheckout = false
	if m.phase == domain.PhaseCheckoutPending && m.snapshot.Status == domain.StatusOpen {
		m.phase = domain.SettledPhase(len(m.snapshot.Items))
	}
}

func (m *Mirror) measure(ctx context.Context, p PendingView) {
	if m.opts.Scale == nil {
		return
	}
	m.cancelMeasure()
	mctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.measureCancel = cancel
	m.mu.Unlock()

	req := WeightRequest{Barcode: p.Product.Barcode, Quantity: p.Quantity, Expected: p.Expected, Removal: p.Kind == domain.PendingRemoval}
	go func() {
		w, err := m.opts.Scale.Measure(mctx, req)
		if err != nil {
			if mctx.Err() == nil {
				m.log.WithError(err).Warn("weight measurement failed")
				m.notify(Notice{Kind: NoticeError, Text: "Scale unavailable"})
			}
			return
		}
		event := protocol.EventWeightReading
		if req.Removal {
			event = protocol.EventWeightRemovalReading
		}
		reading := protocol.WeightReading{CartID: m.cartID, Barcode: req.Barcode, MeasuredWeight: w, Quantity: req.Quantity}
		if err := m.conn.Emit(mctx, event, reading); err != nil {
			m.log.WithError(err).WithField("event", event).Warn("send weight reading failed")
		}
	}()
}

func (m *Mirror) cancelMeasure() {
	m.mu.Lock()
	cancel := m.measureCancel
	m.measureCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Mirror) saveCache(ctx context.Context, snap domain.Snapshot) {
	if m.opts.Cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	if err := m.opts.Cache.Save(cctx, snap); err != nil {
		m.log.WithError(err).Warn("cache snapshot failed")
	}
}

// notify never blocks the event loop; the oldest notice makes room.
func (m *Mirror) notify(n Notice) {
	for {
		select {
		case m.notices <- n:
			return
		default:
		}
		select {
		case <-m.notices:
		default:
		}
	}
}

func phaseFor(snap domain.Snapshot, localCheckout bool) domain.Phase {
	switch snap.Status {
	case domain.StatusPaid, domain.StatusAbandoned:
		return domain.PhaseClosed
	case domain.StatusCheckoutPending:
		return domain.PhaseCheckoutPending
	}
	if localCheckout {
		return domain.PhaseCheckoutPending
	}
	return domain.SettledPhase(len(snap.Items))
}
