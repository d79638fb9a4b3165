package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(opts MirrorOptions) (*Mirror, *mockEmitter) {
	conn := &mockEmitter{}
	return NewMirror("cart-1", "market-1", conn, opts), conn
}

func feed(t *testing.T, m *Mirror, event protocol.Event, payload any) {
	t.Helper()
	require.NoError(t, m.handle(context.Background(), protocol.MustEnvelope(event, payload)))
}

func drainNotices(m *Mirror) []Notice {
	var out []Notice
	for {
		select {
		case n := <-m.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestMirror_ScanFlow(t *testing.T) {
	m, conn := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	assert.Equal(t, []protocol.Event{protocol.EventScanBarcode}, conn.events())

	// a second scan before the server answered is refused locally
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrSessionBusy)
	assert.Len(t, conn.events(), 1)

	feed(t, m, protocol.EventAwaitingWeight, protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})
	st := m.State()
	assert.Equal(t, domain.PhaseAwaitingWeight, st.Phase)
	require.NotNil(t, st.Pending)
	assert.Equal(t, 500.0, st.Pending.Expected)
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrSessionBusy)

	feed(t, m, protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	assert.Equal(t, domain.PhaseStable, m.State().Phase)

	feed(t, m, protocol.EventWeightConfirmed, protocol.WeightConfirmed{Product: rice, Quantity: 1})
	st = m.State()
	assert.Equal(t, domain.PhaseStable, st.Phase)
	assert.Nil(t, st.Pending)
	assert.Equal(t, 1, st.Snapshot.Items[0].Quantity)

	notices := drainNotices(m)
	require.Len(t, notices, 2)
	assert.True(t, notices[0].Persistent)
	assert.Equal(t, NoticeSuccess, notices[1].Kind)
	assert.False(t, notices[1].Persistent)
}

// Scenario B seen from the device.
func TestMirror_WeightErrorReturnsToIdle(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	feed(t, m, protocol.EventAwaitingWeight, protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})
	feed(t, m, protocol.EventWeightError, protocol.WeightError{ProductName: rice.Name, Expected: 500, Received: 600})

	st := m.State()
	assert.Equal(t, domain.PhaseIdle, st.Phase)
	assert.Nil(t, st.Pending)
	assert.True(t, st.Snapshot.IsEmpty())

	notices := drainNotices(m)
	last := notices[len(notices)-1]
	assert.Equal(t, NoticeError, last.Kind)
	assert.Contains(t, last.Text, "expected 500g, got 600g")

	assert.NoError(t, m.Scan(ctx, rice.Barcode, 1))
}

func TestMirror_RejectionsClearInFlight(t *testing.T) {
	for _, tc := range []struct {
		event protocol.Event
		kind  NoticeKind
	}{
		{protocol.EventScanError, NoticeError},
		{protocol.EventSessionBusy, NoticeWarning},
		{protocol.EventError, NoticeError},
	} {
		t.Run(string(tc.event), func(t *testing.T) {
			m, _ := newTestMirror(MirrorOptions{})
			ctx := context.Background()
			require.NoError(t, m.Scan(ctx, "000", 1))
			feed(t, m, tc.event, protocol.Message{Message: "nope"})

			notices := drainNotices(m)
			require.Len(t, notices, 1)
			assert.Equal(t, tc.kind, notices[0].Kind)
			assert.NoError(t, m.Scan(ctx, rice.Barcode, 1))
		})
	}
}

func TestMirror_ScanValidation(t *testing.T) {
	m, conn := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	assert.ErrorIs(t, m.Scan(ctx, "", 1), ErrInvalidScan)
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 0), ErrInvalidScan)
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 51), ErrInvalidScan)
	assert.Empty(t, conn.events())

	conn.err = ErrConnection
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrConnection)
	conn.err = nil
	// a failed send does not leave the guard set
	assert.NoError(t, m.Scan(ctx, rice.Barcode, 1))
}

func TestMirror_RemoveFlow(t *testing.T) {
	m, conn := newTestMirror(MirrorOptions{})
	ctx := context.Background()
	feed(t, m, protocol.EventCartUpdate, snapshotWith(2, riceLine(2)))

	assert.ErrorIs(t, m.Remove(ctx, "000", 1), ErrNotInCart)
	assert.ErrorIs(t, m.Remove(ctx, rice.Barcode, 3), ErrInvalidScan)

	require.NoError(t, m.Remove(ctx, rice.Barcode, 1))
	var sent protocol.RemoveItem
	require.NoError(t, json.Unmarshal(conn.last().Data, &sent))
	assert.Equal(t, protocol.RemoveItem{CartID: "cart-1", Barcode: rice.Barcode, Quantity: 1}, sent)

	feed(t, m, protocol.EventAwaitingRemoval, protocol.AwaitingRemoval{Product: rice, ExpectedWeight: 500, QuantityToRemove: 1})
	assert.Equal(t, domain.PhaseAwaitingRemovalWeight, m.State().Phase)

	feed(t, m, protocol.EventCartUpdate, snapshotWith(3, riceLine(1)))
	feed(t, m, protocol.EventRemovalConfirmed, protocol.RemovalConfirmed{Product: rice, QuantityRemoved: 1})
	st := m.State()
	assert.Equal(t, domain.PhaseStable, st.Phase)
	assert.Equal(t, 1, st.Snapshot.Items[0].Quantity)
}

func TestMirror_PendingExpired(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	require.NoError(t, m.Scan(context.Background(), rice.Barcode, 1))
	feed(t, m, protocol.EventAwaitingWeight, protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})
	feed(t, m, protocol.EventPendingExpired, protocol.PendingExpired{Barcode: rice.Barcode})

	assert.Equal(t, domain.PhaseIdle, m.State().Phase)
	assert.Nil(t, m.State().Pending)
}

func TestMirror_IgnoresOlderSnapshots(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	feed(t, m, protocol.EventCartUpdate, snapshotWith(5, riceLine(3)))
	feed(t, m, protocol.EventCartUpdate, snapshotWith(4, riceLine(2)))

	st := m.State()
	assert.Equal(t, int64(5), st.Snapshot.Version)
	assert.Equal(t, 3, st.Snapshot.Items[0].Quantity)

	feed(t, m, protocol.EventCartUpdate, snapshotWith(5, riceLine(3)))
	assert.Equal(t, int64(5), m.State().Snapshot.Version)
}

func TestMirror_CheckoutGuards(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	_, err := m.beginCheckout()
	assert.ErrorIs(t, err, ErrEmptyCart)

	feed(t, m, protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	snap, err := m.beginCheckout()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, domain.PhaseCheckoutPending, m.State().Phase)

	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrCheckoutPending)
	assert.ErrorIs(t, m.Remove(ctx, rice.Barcode, 1), ErrCheckoutPending)

	// an open snapshot from the server does not unfreeze a local checkout
	feed(t, m, protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	assert.Equal(t, domain.PhaseCheckoutPending, m.State().Phase)

	// retry returns the same cart
	_, err = m.beginCheckout()
	assert.NoError(t, err)

	m.endCheckout()
	assert.Equal(t, domain.PhaseStable, m.State().Phase)
	assert.NoError(t, m.Scan(ctx, rice.Barcode, 1))

	_, err = m.beginCheckout()
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestMirror_CheckoutCompleteOnce(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	feed(t, m, protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	_, err := m.beginCheckout()
	require.NoError(t, err)

	paid := snapshotWith(3, riceLine(1))
	paid.Status = domain.StatusPaid
	paid.OrderID = "order-1"
	feed(t, m, protocol.EventCheckoutComplete, paid)

	got, err := m.WaitComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Equal(t, domain.PhaseClosed, m.State().Phase)
	drainNotices(m)

	// replay changes nothing
	replay := paid
	replay.OrderID = "order-2"
	feed(t, m, protocol.EventCheckoutComplete, replay)
	assert.Equal(t, "order-1", m.State().Snapshot.OrderID)
	assert.Empty(t, drainNotices(m))

	assert.ErrorIs(t, m.Scan(context.Background(), rice.Barcode, 1), ErrClosed)
	_, err = m.beginCheckout()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMirror_WaitCompleteHonoursContext(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.WaitComplete(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMirror_UnknownEvent(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	err := m.handle(context.Background(), protocol.Envelope{Event: "bogus", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, protocol.ErrUnknownEvent)

	err = m.handle(context.Background(), protocol.Envelope{Event: protocol.EventCartUpdate})
	assert.Error(t, err)
}

func TestMirror_ScaleAnswersPending(t *testing.T) {
	scale := &fixedScale{w: 512}
	m, conn := newTestMirror(MirrorOptions{Scale: scale})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.handle(ctx, protocol.MustEnvelope(protocol.EventAwaitingWeight,
		protocol.AwaitingWeight{Product: rice, ExpectedWeight: 1000, Quantity: 2})))

	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)
	sent := conn.last()
	assert.Equal(t, protocol.EventWeightReading, sent.Event)
	var reading protocol.WeightReading
	require.NoError(t, json.Unmarshal(sent.Data, &reading))
	assert.Equal(t, protocol.WeightReading{CartID: "cart-1", Barcode: rice.Barcode, MeasuredWeight: 512, Quantity: 2}, reading)

	require.NoError(t, m.handle(ctx, protocol.MustEnvelope(protocol.EventAwaitingRemoval,
		protocol.AwaitingRemoval{Product: rice, ExpectedWeight: 500, QuantityToRemove: 1})))
	require.Eventually(t, func() bool { return len(conn.events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.EventWeightRemovalReading, conn.last().Event)

	scale.mu.Lock()
	defer scale.mu.Unlock()
	require.Len(t, scale.reqs, 2)
	assert.True(t, scale.reqs[1].Removal)
	assert.Equal(t, 1000.0, scale.reqs[0].Expected)
}

func TestMirror_CacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	snapshots := cache.NewRedisCache(rdb, "device-1", time.Minute)
	ctx := context.Background()

	m, _ := newTestMirror(MirrorOptions{Cache: snapshots})
	assert.False(t, m.RestoreCached(ctx))
	feed(t, m, protocol.EventCartUpdate, snapshotWith(4, riceLine(2)))

	// a fresh device process shows the cached cart first
	restored, _ := newTestMirror(MirrorOptions{Cache: snapshots})
	require.True(t, restored.RestoreCached(ctx))
	st := restored.State()
	assert.True(t, st.FromCache)
	assert.Equal(t, int64(4), st.Snapshot.Version)
	assert.Equal(t, domain.PhaseStable, st.Phase)

	// the server's answer always wins over the cache, even if older
	feed(t, restored, protocol.EventCartUpdate, snapshotWith(1))
	st = restored.State()
	assert.False(t, st.FromCache)
	assert.True(t, st.Snapshot.IsEmpty())

	// a cache entry for another cart is never shown
	other := NewMirror("cart-2", "market-1", &mockEmitter{}, MirrorOptions{Cache: snapshots})
	assert.False(t, other.RestoreCached(ctx))
}

type failingCache struct{}

func (failingCache) Save(context.Context, domain.Snapshot) error { return errors.New("redis down") }
func (failingCache) Restore(context.Context, string) (*domain.Snapshot, error) {
	return nil, errors.New("redis down")
}
func (failingCache) Clear(context.Context) error { return errors.New("redis down") }

func TestMirror_CacheFailuresAreNotFatal(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{Cache: failingCache{}})
	assert.False(t, m.RestoreCached(context.Background()))
	feed(t, m, protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	assert.Equal(t, int64(1), m.State().Snapshot.Version)
}

func TestMirror_RunStopsOnClose(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	events := make(chan protocol.Envelope, 1)
	events <- protocol.MustEnvelope(protocol.EventCartUpdate, snapshotWith(1, riceLine(1)))
	close(events)

	assert.NoError(t, m.Run(context.Background(), events))
	assert.Equal(t, int64(1), m.State().Snapshot.Version)
}

func TestMirror_ReplayAnswersLostScan(t *testing.T) {
	m, conn := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	// the socket dropped before the server saw the scan; the rejoin
	// replays only the snapshot
	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	feed(t, m, protocol.EventCartUpdate, snapshotWith(0))

	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	assert.Equal(t, []protocol.Event{protocol.EventScanBarcode, protocol.EventScanBarcode}, conn.events())
}

func TestMirror_ReplayWithoutPromptClearsExpiredPending(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	feed(t, m, protocol.EventAwaitingWeight, protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})
	// the pending expired on the server while the device was offline
	feed(t, m, protocol.EventCartUpdate, snapshotWith(0))

	st := m.State()
	assert.Equal(t, domain.PhaseIdle, st.Phase)
	assert.Nil(t, st.Pending)
	assert.NoError(t, m.Scan(ctx, rice.Barcode, 1))
}

func TestMirror_ReplayWithPromptKeepsPending(t *testing.T) {
	scale := &fixedScale{w: 505}
	m, conn := newTestMirror(MirrorOptions{Scale: scale})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.handle(ctx, protocol.MustEnvelope(protocol.EventCartUpdate, snapshotWith(2))))
	require.NoError(t, m.handle(ctx, protocol.MustEnvelope(protocol.EventAwaitingWeight,
		protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})))

	st := m.State()
	assert.Equal(t, domain.PhaseAwaitingWeight, st.Phase)
	require.NotNil(t, st.Pending)
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrSessionBusy)
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.EventWeightReading, conn.last().Event)
}

func TestMirror_RetryForgetsUnansweredCommand(t *testing.T) {
	m, conn := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	assert.ErrorIs(t, m.Scan(ctx, rice.Barcode, 1), ErrSessionBusy)

	require.NoError(t, m.Retry(ctx))
	require.NoError(t, m.Scan(ctx, rice.Barcode, 1))
	assert.Len(t, conn.events(), 2)
}

func TestMirror_RetryRereadsScale(t *testing.T) {
	scale := &fixedScale{w: 498}
	m, conn := newTestMirror(MirrorOptions{Scale: scale})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.handle(ctx, protocol.MustEnvelope(protocol.EventAwaitingWeight,
		protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})))
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Retry(ctx))
	require.Eventually(t, func() bool { return len(conn.events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.EventWeightReading, conn.last().Event)
	assert.Equal(t, domain.PhaseAwaitingWeight, m.State().Phase)
}

func TestMirror_RetryGuards(t *testing.T) {
	m, _ := newTestMirror(MirrorOptions{})
	ctx := context.Background()

	feed(t, m, protocol.EventAwaitingWeight, protocol.AwaitingWeight{Product: rice, ExpectedWeight: 500, Quantity: 1})
	assert.ErrorIs(t, m.Retry(ctx), ErrNoScale)

	closed := snapshotWith(3, riceLine(1))
	closed.Status = domain.StatusPaid
	feed(t, m, protocol.EventCheckoutComplete, closed)
	assert.ErrorIs(t, m.Retry(ctx), ErrClosed)
}
