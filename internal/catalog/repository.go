package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/sqlitedb"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrProductNotFound = errors.New("product not found")

type Repository struct {
	db *sql.DB
}

// NewRepository opens the catalog database at dbPath and migrates it.
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) GetProduct(ctx context.Context, barcode string) (domain.Product, error) {
	query := `
		SELECT barcode, name, price, unit_weight
		FROM products
		WHERE barcode = ?
	`

	var (
		p     domain.Product
		price string
	)
	err := r.db.QueryRowContext(ctx, query, barcode).Scan(&p.Barcode, &p.Name, &price, &p.UnitWeight)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, barcode)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to query product: %w", err)
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("invalid price for %s: %w", barcode, err)
	}
	return p, nil
}

func (r *Repository) GetAllProducts(ctx context.Context) ([]domain.Product, error) {
	query := `
		SELECT barcode, name, price, unit_weight
		FROM products
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var (
			p     domain.Product
			price string
		)
		if err := rows.Scan(&p.Barcode, &p.Name, &price, &p.UnitWeight); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", p.Barcode, err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

func (r *Repository) UpsertProduct(ctx context.Context, p domain.Product) error {
	query := `
		INSERT INTO products (barcode, name, price, unit_weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(barcode) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			unit_weight = excluded.unit_weight
	`
	if _, err := r.db.ExecContext(ctx, query, p.Barcode, p.Name, p.Price.String(), p.UnitWeight); err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
