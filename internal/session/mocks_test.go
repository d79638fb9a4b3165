package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type mockCatalog struct {
	m        sync.RWMutex
	products map[string]domain.Product
	err      error
}

func (m *mockCatalog) Lookup(_ context.Context, barcode string) (domain.Product, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return domain.Product{}, m.err
	}
	p, ok := m.products[barcode]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s not found", barcode)
	}
	return p, nil
}

type mockEmitter struct {
	m      sync.RWMutex
	events []protocol.Envelope
}

func (m *mockEmitter) Emit(_ string, env protocol.Envelope) {
	m.m.Lock()
	defer m.m.Unlock()
	m.events = append(m.events, env)
}

func (m *mockEmitter) names() []protocol.Event {
	m.m.RLock()
	defer m.m.RUnlock()
	out := make([]protocol.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Event)
	}
	return out
}

func (m *mockEmitter) last(event protocol.Event) (protocol.Envelope, bool) {
	m.m.RLock()
	defer m.m.RUnlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Event == event {
			return m.events[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (m *mockEmitter) count(event protocol.Event) int {
	n := 0
	for _, e := range m.names() {
		if e == event {
			n++
		}
	}
	return n
}

func (m *mockEmitter) reset() {
	m.m.Lock()
	defer m.m.Unlock()
	m.events = nil
}

type mockStore struct {
	m         sync.RWMutex
	snapshots map[string]domain.Snapshot
	saves     int
	err       error
	// loadGate, when set, holds LoadSnapshot until it is closed
	loadGate chan struct{}
}

func (m *mockStore) SaveSnapshot(_ context.Context, snapshot domain.Snapshot) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	if m.snapshots == nil {
		m.snapshots = make(map[string]domain.Snapshot)
	}
	m.snapshots[snapshot.CartID] = snapshot
	return nil
}

func (m *mockStore) LoadSnapshot(ctx context.Context, cartID string) (*domain.Snapshot, error) {
	m.m.RLock()
	gate := m.loadGate
	m.m.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.snapshots[cartID]
	if !ok {
		return nil, repository.ErrSnapshotNotFound
	}
	return &s, nil
}

type mockCompletions struct {
	m       sync.RWMutex
	records []domain.HistoryRecord
}

func (m *mockCompletions) CheckoutCompleted(_ context.Context, record domain.HistoryRecord) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockCompletions) all() []domain.HistoryRecord {
	m.m.RLock()
	defer m.m.RUnlock()
	return append([]domain.HistoryRecord(nil), m.records...)
}

var (
	rice = domain.Product{Barcode: "7891000100103", Name: "Arroz 500g", Price: decimal.RequireFromString("12.75"), UnitWeight: 500}
	milk = domain.Product{Barcode: "7891000055502", Name: "Leite 1L", Price: decimal.RequireFromString("4.90"), UnitWeight: 1030}
)

type fixture struct {
	catalog     *mockCatalog
	emitter     *mockEmitter
	store       *mockStore
	completions *mockCompletions
	deps        Deps
}

func newFixture() *fixture {
	f := &fixture{
		catalog: &mockCatalog{products: map[string]domain.Product{
			rice.Barcode: rice,
			milk.Barcode: milk,
		}},
		emitter:     &mockEmitter{},
		store:       &mockStore{},
		completions: &mockCompletions{},
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	f.deps = Deps{
		Catalog:     f.catalog,
		Emitter:     f.emitter,
		Store:       f.store,
		Completions: f.completions,
		Log:         log,
	}
	return f
}

func (f *fixture) session(cfg Config) *Session {
	return newSession("cart-1", "market-1", "user-1", nil, cfg, f.deps)
}
