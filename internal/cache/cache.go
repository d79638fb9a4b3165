// Package cache keeps the last cart snapshot a device displayed, so a
// reconnecting client can render something before the server answers.
// It is read-through only and never authoritative.
package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cartsync/internal/domain"
)

type SnapshotCache interface {
	Save(ctx context.Context, snapshot domain.Snapshot) error
	// Restore returns the cached snapshot for cartID, or ErrCacheMiss when
	// there is none, it is older than the expiration window, or it belongs
	// to another cart.
	Restore(ctx context.Context, cartID string) (*domain.Snapshot, error)
	Clear(ctx context.Context) error
}

var ErrCacheMiss = errors.New("cache miss")
