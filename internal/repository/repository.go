package repository

import (
	"context"

	"github.com/fjod/go_cart/cartsync/internal/domain"
)

// SnapshotRepository keeps the last authoritative snapshot of every cart
// so that a restarted server can resume open sessions.
type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error
	LoadSnapshot(ctx context.Context, cartID string) (*domain.Snapshot, error)
}

// HistoryRepository stores completed purchases.
type HistoryRepository interface {
	SaveHistory(ctx context.Context, record domain.HistoryRecord) error
	ListHistory(ctx context.Context, userID string, limit int64) ([]domain.HistoryRecord, error)
}
