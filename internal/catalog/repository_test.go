package catalog

import (
	"context"
	"testing"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Repository {
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestGetAllProducts_SeededByMigrations(t *testing.T) {
	repo := setupTestDB(t)

	products, err := repo.GetAllProducts(context.Background())

	require.NoError(t, err)
	assert.Len(t, products, 5)
}

func TestGetProduct_ReturnsProduct(t *testing.T) {
	repo := setupTestDB(t)

	p, err := repo.GetProduct(context.Background(), "7891000100103")

	require.NoError(t, err)
	assert.Equal(t, "Arroz 500g", p.Name)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("12.75")))
	assert.Equal(t, 500.0, p.UnitWeight)
}

func TestGetProduct_NotFound(t *testing.T) {
	repo := setupTestDB(t)

	_, err := repo.GetProduct(context.Background(), "0000")

	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestGetProduct_CancelledContext(t *testing.T) {
	repo := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.GetProduct(ctx, "7891000100103")

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrProductNotFound)
}

func TestUpsertProduct(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	p := domain.Product{Barcode: "123", Name: "Cafe 250g", Price: decimal.RequireFromString("15.00"), UnitWeight: 250}
	require.NoError(t, repo.UpsertProduct(ctx, p))
	p.Price = decimal.RequireFromString("16.50")
	require.NoError(t, repo.UpsertProduct(ctx, p))

	got, err := repo.GetProduct(ctx, "123")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("16.50")))
}
