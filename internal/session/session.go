// Package session holds the authoritative cart session: one goroutine per
// cart that owns the snapshot and the single outstanding pending scan, fed
// by an inbox of commands.
package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/fjod/go_cart/cartsync/internal/reconcile"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// View is a read-only copy of the session state for callers outside the
// session goroutine.
type View struct {
	CartID       string
	MarketID     string
	UserID       string
	Phase        domain.Phase
	Snapshot     domain.Snapshot
	Pending      *domain.PendingScanEvent
	LastActivity time.Time
}

type Session struct {
	cartID   string
	marketID string
	userID   string
	cfg      Config
	deps     Deps
	log      logrus.FieldLogger

	inbox    chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the run goroutine
	phase        domain.Phase
	snapshot     domain.Snapshot
	pending      *domain.PendingScanEvent
	pendingToken uint64
	pendingTimer *time.Timer
	linkFailed   bool

	mu   sync.RWMutex
	view View
}

func newSession(cartID, marketID, userID string, restored *domain.Snapshot, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()

	s := &Session{
		cartID:   cartID,
		marketID: marketID,
		userID:   userID,
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.WithFields(logrus.Fields{"cart_id": cartID, "market_id": marketID}),
		inbox:    make(chan command, cfg.InboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if restored != nil {
		s.snapshot = restored.Clone()
		if s.snapshot.Status == domain.StatusCheckoutPending {
			// the link outcome was lost with the previous process
			s.phase = domain.PhaseCheckoutPending
			s.linkFailed = true
		} else {
			s.phase = domain.SettledPhase(len(s.snapshot.Items))
		}
	} else {
		s.snapshot = domain.Snapshot{
			CartID:    cartID,
			MarketID:  marketID,
			Items:     []domain.CartLine{},
			Status:    domain.StatusOpen,
			UpdatedAt: deps.Now(),
		}
		s.phase = domain.PhaseIdle
	}
	s.view.LastActivity = deps.Now()
	s.publishView()

	go s.run()
	return s
}

func (s *Session) CartID() string   { return s.cartID }
func (s *Session) MarketID() string { return s.marketID }
func (s *Session) UserID() string   { return s.userID }

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Snapshot = v.Snapshot.Clone()
	if v.Pending != nil {
		p := *v.Pending
		v.Pending = &p
	}
	return v
}

// Touch records client activity that does not go through the inbox, such
// as a socket joining the cart room.
func (s *Session) Touch() {
	s.mu.Lock()
	s.view.LastActivity = s.deps.Now()
	s.mu.Unlock()
}

func (s *Session) ScanBarcode(ctx context.Context, barcode string, quantity int) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, scanBarcode{replier: r, barcode: barcode, quantity: quantity}, r)
}

func (s *Session) WeightReading(ctx context.Context, sample domain.WeightSample) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, weightReading{replier: r, sample: sample}, r)
}

func (s *Session) RemoveItem(ctx context.Context, barcode string, quantity int) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, removeItem{replier: r, barcode: barcode, quantity: quantity}, r)
}

// RemovalReading takes the weight removed from the scale as a magnitude.
func (s *Session) RemovalReading(ctx context.Context, sample domain.WeightSample) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, removalReading{replier: r, sample: sample}, r)
}

func (s *Session) StartCheckout(ctx context.Context) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, startCheckout{replier: r}, r)
}

// MarkLinkFailed allows StartCheckout to be retried after the payment link
// request failed.
func (s *Session) MarkLinkFailed(ctx context.Context) error {
	r := newReplier()
	_, err := s.submit(ctx, linkFailed{replier: r}, r)
	return err
}

func (s *Session) ConfirmPayment(ctx context.Context, paymentID string) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, paymentConfirmed{replier: r, paymentID: paymentID}, r)
}

func (s *Session) CancelCheckout(ctx context.Context) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, checkoutCancelled{replier: r}, r)
}

// Join hands attach the catch-up events for a socket joining the cart room.
// attach runs on the session goroutine and must register the socket before
// it returns.
func (s *Session) Join(ctx context.Context, attach func(replay []protocol.Envelope)) error {
	r := newReplier()
	_, err := s.submit(ctx, join{replier: r, attach: attach}, r)
	return err
}

func (s *Session) Abandon(ctx context.Context) (domain.Snapshot, error) {
	r := newReplier()
	return s.submit(ctx, abandon{replier: r}, r)
}

// Stop terminates the session goroutine. Commands submitted afterwards fail
// with ErrSessionClosed.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) submit(ctx context.Context, cmd command, r replier) (domain.Snapshot, error) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return domain.Snapshot{}, ErrSessionClosed
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	}

	select {
	case res := <-r.reply:
		return res.snapshot, res.err
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	case <-s.done:
		select {
		case res := <-r.reply:
			return res.snapshot, res.err
		default:
			return domain.Snapshot{}, ErrSessionClosed
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.inbox:
			s.handle(cmd)
		case <-s.stop:
			s.stopPendingTimer()
			return
		}
	}
}

func (s *Session) handle(cmd command) {
	var err error
	touch := true

	switch c := cmd.(type) {
	case scanBarcode:
		err = s.onScan(c)
	case weightReading:
		err = s.onWeightReading(c)
	case removeItem:
		err = s.onRemoveItem(c)
	case removalReading:
		err = s.onRemovalReading(c)
	case startCheckout:
		err = s.onStartCheckout()
	case linkFailed:
		err = s.onLinkFailed()
	case paymentConfirmed:
		err = s.onPaymentConfirmed(c)
	case checkoutCancelled:
		err = s.onCheckoutCancelled()
	case join:
		c.attach(replayEvents(s.snapshot, s.pending))
	case abandon:
		err = s.onAbandon()
	case pendingExpired:
		s.onPendingExpired(c)
		touch = false
	default:
		err = fmt.Errorf("%w: unknown command %T", ErrIllegalTransition, cmd)
	}

	s.publishView()
	if touch {
		s.Touch()
	}
	if reply := cmd.replyTo(); reply != nil {
		reply <- result{snapshot: s.snapshot.Clone(), err: err}
	}
}

func (s *Session) onScan(c scanBarcode) error {
	if err := s.acceptsMutation(); err != nil {
		return err
	}
	if c.barcode == "" {
		return s.scanError(fmt.Errorf("%w: empty barcode", ErrScan))
	}
	if c.quantity < 1 || c.quantity > s.cfg.MaxQuantity {
		return s.scanError(fmt.Errorf("%w: quantity must be between 1 and %d", ErrScan, s.cfg.MaxQuantity))
	}

	product, err := s.lookup(c.barcode)
	if err != nil {
		return s.scanError(fmt.Errorf("%w: %v", ErrScan, err))
	}
	if product.UnitWeight <= 0 || math.IsNaN(product.UnitWeight) || math.IsInf(product.UnitWeight, 0) {
		return s.scanError(fmt.Errorf("%w: product %s has no usable unit weight", ErrScan, c.barcode))
	}

	s.armPending(domain.PendingScanEvent{
		Kind:                  domain.PendingAdd,
		Product:               product,
		RequestedQuantity:     c.quantity,
		ExpectedWeightPerUnit: product.UnitWeight,
		IssuedAt:              s.deps.Now(),
	})
	s.phase = domain.PhaseAwaitingWeight
	s.deps.Metrics.Scan("accepted")
	s.emit(protocol.EventAwaitingWeight, protocol.AwaitingWeight{
		Product:        product,
		ExpectedWeight: reconcile.ExpectedAdd(product.UnitWeight, c.quantity),
		Quantity:       c.quantity,
	})
	return nil
}

func (s *Session) onWeightReading(c weightReading) error {
	if err := s.matchPending(domain.PendingAdd, c.sample); err != nil {
		return s.rejectReading(domain.PendingAdd, err)
	}
	p := *s.pending
	s.clearPending()

	decision := s.cfg.Policy.Decide(p.ExpectedMagnitude(), c.sample.MeasuredWeight)
	if !decision.Accepted {
		s.phase = domain.SettledPhase(len(s.snapshot.Items))
		return s.weightMismatch(domain.PendingAdd, p, decision.Expected, c.sample.MeasuredWeight)
	}

	items, err := reconcile.ApplyAdd(s.snapshot.Items, p.Product, p.RequestedQuantity, c.sample.MeasuredWeight)
	if err != nil {
		s.phase = domain.SettledPhase(len(s.snapshot.Items))
		return s.rejectReading(domain.PendingAdd, err)
	}
	s.commit(items)
	s.phase = domain.SettledPhase(len(items))
	s.deps.Metrics.Reading(domain.PendingAdd.String(), "accepted")

	s.emit(protocol.EventCartUpdate, s.snapshot)
	s.emit(protocol.EventWeightConfirmed, protocol.WeightConfirmed{Product: p.Product, Quantity: p.RequestedQuantity})
	return nil
}

func (s *Session) onRemoveItem(c removeItem) error {
	if err := s.acceptsMutation(); err != nil {
		return err
	}
	if err := reconcile.CanRemove(s.snapshot.Items, c.barcode, c.quantity); err != nil {
		s.emitMessage(protocol.EventError, err.Error())
		return err
	}

	product, err := s.lookup(c.barcode)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrScan, err)
		s.emitMessage(protocol.EventError, err.Error())
		return err
	}

	s.armPending(domain.PendingScanEvent{
		Kind:                  domain.PendingRemoval,
		Product:               product,
		RequestedQuantity:     c.quantity,
		ExpectedWeightPerUnit: product.UnitWeight,
		IssuedAt:              s.deps.Now(),
	})
	s.phase = domain.PhaseAwaitingRemovalWeight
	s.emit(protocol.EventAwaitingRemoval, protocol.AwaitingRemoval{
		Product:          product,
		ExpectedWeight:   reconcile.ExpectedAdd(product.UnitWeight, c.quantity),
		QuantityToRemove: c.quantity,
	})
	return nil
}

func (s *Session) onRemovalReading(c removalReading) error {
	if err := s.matchPending(domain.PendingRemoval, c.sample); err != nil {
		return s.rejectReading(domain.PendingRemoval, err)
	}
	p := *s.pending
	s.clearPending()

	expected := reconcile.ExpectedRemoval(p.ExpectedWeightPerUnit, p.RequestedQuantity)
	decision := s.cfg.Policy.Decide(expected, reconcile.RemovalDelta(c.sample.MeasuredWeight))
	if !decision.Accepted {
		s.phase = domain.SettledPhase(len(s.snapshot.Items))
		return s.weightMismatch(domain.PendingRemoval, p, p.ExpectedMagnitude(), math.Abs(c.sample.MeasuredWeight))
	}

	items, err := reconcile.ApplyRemoval(s.snapshot.Items, p.Barcode(), p.RequestedQuantity, math.Abs(c.sample.MeasuredWeight))
	if err != nil {
		s.phase = domain.SettledPhase(len(s.snapshot.Items))
		return s.rejectReading(domain.PendingRemoval, err)
	}
	s.commit(items)
	s.phase = domain.SettledPhase(len(items))
	s.deps.Metrics.Reading(domain.PendingRemoval.String(), "accepted")

	s.emit(protocol.EventCartUpdate, s.snapshot)
	s.emit(protocol.EventRemovalConfirmed, protocol.RemovalConfirmed{Product: p.Product, QuantityRemoved: p.RequestedQuantity})
	return nil
}

func (s *Session) onStartCheckout() error {
	switch {
	case s.phase == domain.PhaseClosed:
		return ErrSessionClosed
	case s.phase == domain.PhaseCheckoutPending:
		if !s.linkFailed {
			return ErrCheckoutPending
		}
		s.linkFailed = false
		s.deps.Metrics.Checkout("retried")
		return nil
	case s.phase.AwaitingWeight():
		return ErrSessionBusy
	case s.snapshot.IsEmpty():
		return ErrEmptyCart
	}

	s.snapshot.Status = domain.StatusCheckoutPending
	s.commit(s.snapshot.Items)
	s.phase = domain.PhaseCheckoutPending
	s.deps.Metrics.Checkout("started")
	s.emit(protocol.EventCartUpdate, s.snapshot)
	return nil
}

func (s *Session) onLinkFailed() error {
	if s.phase != domain.PhaseCheckoutPending {
		return fmt.Errorf("%w: link failure reported in phase %s", ErrIllegalTransition, s.phase)
	}
	s.linkFailed = true
	s.deps.Metrics.Checkout("link_failed")
	return nil
}

func (s *Session) onPaymentConfirmed(c paymentConfirmed) error {
	if s.phase == domain.PhaseClosed {
		if s.snapshot.Status != domain.StatusPaid {
			return ErrSessionClosed
		}
		// replay: acknowledge again, change nothing
		s.emit(protocol.EventCheckoutComplete, s.snapshot)
		return nil
	}
	if s.phase != domain.PhaseCheckoutPending {
		err := fmt.Errorf("%w: payment confirmed in phase %s", ErrIllegalTransition, s.phase)
		s.emitMessage(protocol.EventError, err.Error())
		return err
	}

	s.snapshot.Status = domain.StatusPaid
	s.snapshot.OrderID = uuid.NewString()
	s.commit(s.snapshot.Items)
	s.phase = domain.PhaseClosed
	s.linkFailed = false
	s.deps.Metrics.Checkout("paid")

	s.log.WithFields(logrus.Fields{
		"order_id":   s.snapshot.OrderID,
		"payment_id": c.paymentID,
	}).Info("checkout completed")

	if s.deps.Completions != nil {
		record := domain.HistoryRecord{
			OrderID:     s.snapshot.OrderID,
			CartID:      s.cartID,
			MarketID:    s.marketID,
			UserID:      s.userID,
			PaymentID:   c.paymentID,
			Items:       domain.CloneLines(s.snapshot.Items),
			Total:       s.snapshot.TotalValue,
			CompletedAt: s.snapshot.UpdatedAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		if err := s.deps.Completions.CheckoutCompleted(ctx, record); err != nil {
			s.log.WithError(err).Error("record completed checkout failed")
		}
		cancel()
	}

	s.emit(protocol.EventCheckoutComplete, s.snapshot)
	return nil
}

func (s *Session) onCheckoutCancelled() error {
	if s.phase == domain.PhaseClosed {
		return ErrSessionClosed
	}
	if s.phase != domain.PhaseCheckoutPending {
		return fmt.Errorf("%w: checkout cancelled in phase %s", ErrIllegalTransition, s.phase)
	}

	s.snapshot.Status = domain.StatusOpen
	s.commit(s.snapshot.Items)
	s.phase = domain.SettledPhase(len(s.snapshot.Items))
	s.linkFailed = false
	s.deps.Metrics.Checkout("cancelled")
	s.emit(protocol.EventCartUpdate, s.snapshot)
	return nil
}

func (s *Session) onAbandon() error {
	if s.phase == domain.PhaseClosed {
		return ErrSessionClosed
	}
	s.clearPending()
	s.snapshot.Status = domain.StatusAbandoned
	s.commit(s.snapshot.Items)
	s.phase = domain.PhaseClosed
	s.log.Info("session abandoned")
	s.emit(protocol.EventCartUpdate, s.snapshot)
	return nil
}

func (s *Session) onPendingExpired(c pendingExpired) {
	if s.pending == nil || c.token != s.pendingToken {
		return
	}
	p := *s.pending
	s.clearPending()
	s.phase = domain.SettledPhase(len(s.snapshot.Items))
	s.deps.Metrics.Reading(p.Kind.String(), "expired")
	s.log.WithField("barcode", p.Barcode()).Warn("pending scan expired")
	s.emit(protocol.EventPendingExpired, protocol.PendingExpired{Barcode: p.Barcode()})
}

// acceptsMutation guards scans and removals.
func (s *Session) acceptsMutation() error {
	switch {
	case s.phase == domain.PhaseClosed:
		return ErrSessionClosed
	case s.phase == domain.PhaseCheckoutPending:
		return ErrCheckoutPending
	case s.pending != nil:
		s.deps.Metrics.Scan("busy")
		s.emitMessage(protocol.EventSessionBusy, ErrSessionBusy.Error())
		return ErrSessionBusy
	}
	return nil
}

func (s *Session) matchPending(kind domain.PendingKind, sample domain.WeightSample) error {
	if s.phase == domain.PhaseClosed {
		return ErrSessionClosed
	}
	if s.pending == nil || s.pending.Kind != kind {
		return ErrNoPending
	}
	if sample.Barcode != s.pending.Barcode() || sample.Quantity != s.pending.RequestedQuantity {
		return fmt.Errorf("%w: got %s x%d, pending %s x%d", ErrStaleReading,
			sample.Barcode, sample.Quantity, s.pending.Barcode(), s.pending.RequestedQuantity)
	}
	return nil
}

func (s *Session) lookup(barcode string) (domain.Product, error) {
	if s.deps.Catalog == nil {
		return domain.Product{}, fmt.Errorf("no catalog configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CatalogTimeout)
	defer cancel()
	return s.deps.Catalog.Lookup(ctx, barcode)
}

func (s *Session) scanError(err error) error {
	s.deps.Metrics.Scan("rejected")
	s.log.WithError(err).Debug("scan rejected")
	s.emitMessage(protocol.EventScanError, err.Error())
	return err
}

func (s *Session) rejectReading(kind domain.PendingKind, err error) error {
	s.deps.Metrics.Reading(kind.String(), "stale")
	s.log.WithError(err).Debug("reading rejected")
	s.emitMessage(protocol.EventError, err.Error())
	return err
}

func (s *Session) weightMismatch(kind domain.PendingKind, p domain.PendingScanEvent, expected, received float64) error {
	s.deps.Metrics.Reading(kind.String(), "mismatch")
	s.log.WithFields(logrus.Fields{
		"barcode":  p.Barcode(),
		"expected": expected,
		"received": received,
	}).Warn("weight mismatch")
	s.emit(protocol.EventWeightError, protocol.WeightError{
		ProductName: p.Product.Name,
		Expected:    expected,
		Received:    received,
	})
	return &WeightMismatchError{
		Barcode:     p.Barcode(),
		ProductName: p.Product.Name,
		Expected:    expected,
		Received:    received,
	}
}

func (s *Session) armPending(p domain.PendingScanEvent) {
	s.stopPendingTimer()
	s.pending = &p
	s.pendingToken++
	token := s.pendingToken
	s.pendingTimer = time.AfterFunc(s.cfg.PendingScanTimeout, func() {
		select {
		case s.inbox <- pendingExpired{token: token}:
		case <-s.done:
		}
	})
}

func (s *Session) clearPending() {
	s.stopPendingTimer()
	s.pending = nil
}

func (s *Session) stopPendingTimer() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
}

// commit installs items as the new snapshot content and persists it.
func (s *Session) commit(items []domain.CartLine) {
	s.snapshot.Items = domain.CloneLines(items)
	s.snapshot.TotalValue = reconcile.Total(items)
	s.snapshot.Version++
	s.snapshot.UpdatedAt = s.deps.Now()
	s.persist()
}

func (s *Session) persist() {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSnapshot(ctx, s.snapshot.Clone()); err != nil {
		s.log.WithError(err).WithField("version", s.snapshot.Version).Error("persist snapshot failed")
	}
}

func (s *Session) emit(event protocol.Event, payload any) {
	if snap, ok := payload.(domain.Snapshot); ok {
		payload = snap.Clone()
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("encode event failed")
		return
	}
	s.deps.Emitter.Emit(s.cartID, env)
}

func (s *Session) emitMessage(event protocol.Event, msg string) {
	s.emit(event, protocol.Message{Message: msg})
}

func (s *Session) publishView() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.CartID = s.cartID
	s.view.MarketID = s.marketID
	s.view.UserID = s.userID
	s.view.Phase = s.phase
	s.view.Snapshot = s.snapshot.Clone()
	if s.pending != nil {
		p := *s.pending
		s.view.Pending = &p
	} else {
		s.view.Pending = nil
	}
}

// ReplayEvents is what a socket joining the cart room is sent to catch up:
// the current snapshot and, if one is outstanding, the pending prompt.
func (v View) ReplayEvents() []protocol.Envelope {
	return replayEvents(v.Snapshot, v.Pending)
}

func replayEvents(snapshot domain.Snapshot, pending *domain.PendingScanEvent) []protocol.Envelope {
	events := []protocol.Envelope{protocol.MustEnvelope(protocol.EventCartUpdate, snapshot.Clone())}
	if pending == nil {
		return events
	}
	p := *pending
	switch p.Kind {
	case domain.PendingAdd:
		events = append(events, protocol.MustEnvelope(protocol.EventAwaitingWeight, protocol.AwaitingWeight{
			Product:        p.Product,
			ExpectedWeight: p.ExpectedMagnitude(),
			Quantity:       p.RequestedQuantity,
		}))
	case domain.PendingRemoval:
		events = append(events, protocol.MustEnvelope(protocol.EventAwaitingRemoval, protocol.AwaitingRemoval{
			Product:          p.Product,
			ExpectedWeight:   p.ExpectedMagnitude(),
			QuantityToRemove: p.RequestedQuantity,
		}))
	}
	return events
}
