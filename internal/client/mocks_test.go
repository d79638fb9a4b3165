package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/shopspring/decimal"
)

var rice = domain.Product{Barcode: "7891000100103", Name: "Arroz 500g", Price: decimal.RequireFromString("12.75"), UnitWeight: 500}

type sentEvent struct {
	Event protocol.Event
	Data  json.RawMessage
}

type mockEmitter struct {
	mu    sync.RWMutex
	sent  []sentEvent
	err   error
	state ConnState
	creds []Credentials
}

func (m *mockEmitter) Emit(_ context.Context, event protocol.Event, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, _ := json.Marshal(payload)
	m.sent = append(m.sent, sentEvent{Event: event, Data: data})
	return nil
}

func (m *mockEmitter) Connect(_ context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = append(m.creds, creds)
	m.state = StateConnected
	return nil
}

func (m *mockEmitter) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == "" {
		return StateConnected
	}
	return m.state
}

func (m *mockEmitter) events() []protocol.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Event, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Event
	}
	return out
}

func (m *mockEmitter) last() sentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sent) == 0 {
		return sentEvent{}
	}
	return m.sent[len(m.sent)-1]
}

type fixedScale struct {
	mu   sync.Mutex
	reqs []WeightRequest
	w    float64
}

func (s *fixedScale) Measure(_ context.Context, req WeightRequest) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.w, nil
}

func snapshotWith(version int64, lines ...domain.CartLine) domain.Snapshot {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return domain.Snapshot{CartID: "cart-1", MarketID: "market-1", Items: lines, TotalValue: total, Status: domain.StatusOpen, Version: version}
}

func riceLine(qty int) domain.CartLine {
	return domain.CartLine{Barcode: rice.Barcode, Name: rice.Name, UnitPrice: rice.Price, Quantity: qty}
}
