package session

import (
	"context"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/metrics"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Catalog resolves a scanned barcode. Implementations return
// catalog.ErrProductNotFound for unknown barcodes.
type Catalog interface {
	Lookup(ctx context.Context, barcode string) (domain.Product, error)
}

// Emitter delivers an event to every client joined to the cart's room.
// It must not block.
type Emitter interface {
	Emit(cartID string, env protocol.Envelope)
}

// SnapshotStore persists the authoritative snapshot after every mutation.
// LoadSnapshot returns repository.ErrSnapshotNotFound for unknown carts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error
	LoadSnapshot(ctx context.Context, cartID string) (*domain.Snapshot, error)
}

// CompletionSink is told once about every paid session.
type CompletionSink interface {
	CheckoutCompleted(ctx context.Context, record domain.HistoryRecord) error
}

type Deps struct {
	Catalog     Catalog
	Emitter     Emitter
	Store       SnapshotStore
	Completions CompletionSink
	Metrics     *metrics.Metrics
	Log         logrus.FieldLogger
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Emitter == nil {
		d.Emitter = discardEmitter{}
	}
	return d
}

type discardEmitter struct{}

func (discardEmitter) Emit(string, protocol.Envelope) {}
