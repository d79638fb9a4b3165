// Package handoff keeps the payment handoff in durable client storage so
// that the return from the payment provider can be matched to the cart that
// started it, even after the client process restarted.
package handoff

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// fixed width so that updated_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrHandoffNotFound   = errors.New("payment handoff not found")
	ErrInvalidTransition = errors.New("invalid handoff status transition")
)

type Store interface {
	Save(ctx context.Context, h domain.PaymentHandoff) error
	Get(ctx context.Context, cartID string) (*domain.PaymentHandoff, error)
	Active(ctx context.Context) (*domain.PaymentHandoff, error)
	UpdateStatus(ctx context.Context, cartID string, to domain.HandoffStatus) error
	Delete(ctx context.Context, cartID string) error
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Save inserts or replaces the handoff of h.CartID.
func (s *SQLiteStore) Save(ctx context.Context, h domain.PaymentHandoff) error {
	now := s.now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	query := `
		INSERT INTO payment_handoffs (cart_id, market_id, payment_provider_id, payment_link, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cart_id) DO UPDATE SET
			market_id = excluded.market_id,
			payment_provider_id = excluded.payment_provider_id,
			payment_link = excluded.payment_link,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	var providerID sql.NullString
	if h.PaymentProviderID != nil {
		providerID = sql.NullString{String: *h.PaymentProviderID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		h.CartID, h.MarketID, providerID, h.PaymentLink, string(h.Status),
		h.CreatedAt.UTC().Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, cartID string) (*domain.PaymentHandoff, error) {
	query := `
		SELECT cart_id, market_id, payment_provider_id, payment_link, status, created_at, updated_at
		FROM payment_handoffs
		WHERE cart_id = ?
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, cartID))
}

// Active returns the most recently touched handoff. Handoffs are deleted
// once their checkout completed, so a confirmed one means the process
// stopped before checkout_complete arrived.
func (s *SQLiteStore) Active(ctx context.Context) (*domain.PaymentHandoff, error) {
	query := `
		SELECT cart_id, market_id, payment_provider_id, payment_link, status, created_at, updated_at
		FROM payment_handoffs
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query))
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, cartID string, to domain.HandoffStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM payment_handoffs WHERE cart_id = ?`, cartID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrHandoffNotFound, cartID)
	}
	if err != nil {
		return fmt.Errorf("failed to query handoff status: %w", err)
	}
	if !domain.CanTransitionTo(domain.HandoffStatus(from), to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payment_handoffs SET status = ?, updated_at = ? WHERE cart_id = ?`,
		string(to), s.now().UTC().Format(timeLayout), cartID)
	if err != nil {
		return fmt.Errorf("failed to update handoff status: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, cartID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payment_handoffs WHERE cart_id = ?`, cartID); err != nil {
		return fmt.Errorf("failed to delete handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanOne(row *sql.Row) (*domain.PaymentHandoff, error) {
	var (
		h                    domain.PaymentHandoff
		status               string
		providerID           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&h.CartID, &h.MarketID, &providerID, &h.PaymentLink, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandoffNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan handoff: %w", err)
	}

	h.Status = domain.HandoffStatus(status)
	if providerID.Valid {
		h.PaymentProviderID = &providerID.String
	}
	if h.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if h.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	return &h, nil
}
