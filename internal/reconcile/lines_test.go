package reconcile

import (
	"testing"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rice = domain.Product{
	Barcode:    "7891000100103",
	Name:       "Rice 500g",
	Price:      decimal.RequireFromString("12.75"),
	UnitWeight: 500,
}

var beans = domain.Product{
	Barcode:    "7896006711117",
	Name:       "Black beans 1kg",
	Price:      decimal.RequireFromString("8.90"),
	UnitWeight: 1000,
}

func TestApplyAdd_NewLine(t *testing.T) {
	items, err := ApplyAdd(nil, rice, 1, 520)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, rice.Barcode, items[0].Barcode)
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, 520.0, *items[0].MeasuredWeight)
}

func TestApplyAdd_MergesByBarcode(t *testing.T) {
	items, err := ApplyAdd(nil, rice, 1, 500)
	require.NoError(t, err)
	items, err = ApplyAdd(items, beans, 1, 1000)
	require.NoError(t, err)
	items, err = ApplyAdd(items, rice, 2, 1010)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, rice.Barcode, items[0].Barcode)
	assert.Equal(t, 3, items[0].Quantity)
	assert.Equal(t, 1510.0, *items[0].MeasuredWeight)
	assert.Equal(t, beans.Barcode, items[1].Barcode)
}

func TestApplyAdd_DoesNotMutateInput(t *testing.T) {
	items, err := ApplyAdd(nil, rice, 1, 500)
	require.NoError(t, err)

	next, err := ApplyAdd(items, rice, 1, 500)
	require.NoError(t, err)

	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, 500.0, *items[0].MeasuredWeight)
	assert.Equal(t, 2, next[0].Quantity)
}

func TestApplyAdd_InvalidQuantity(t *testing.T) {
	_, err := ApplyAdd(nil, rice, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestApplyRemoval_Decrements(t *testing.T) {
	items, _ := ApplyAdd(nil, rice, 3, 1500)

	items, err := ApplyRemoval(items, rice.Barcode, 1, 500)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 1000.0, *items[0].MeasuredWeight)
}

func TestApplyRemoval_DropsLineAtZero(t *testing.T) {
	items, _ := ApplyAdd(nil, rice, 2, 1000)
	items, _ = ApplyAdd(items, beans, 1, 1000)

	items, err := ApplyRemoval(items, rice.Barcode, 2, 1000)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, beans.Barcode, items[0].Barcode)
}

func TestApplyRemoval_Errors(t *testing.T) {
	items, _ := ApplyAdd(nil, rice, 1, 500)

	_, err := ApplyRemoval(items, "unknown", 1, 0)
	assert.ErrorIs(t, err, ErrLineNotFound)

	_, err = ApplyRemoval(items, rice.Barcode, 2, 0)
	assert.ErrorIs(t, err, ErrInsufficientQuantity)

	_, err = ApplyRemoval(items, rice.Barcode, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCanRemove(t *testing.T) {
	items, _ := ApplyAdd(nil, rice, 2, 1000)

	assert.NoError(t, CanRemove(items, rice.Barcode, 2))
	assert.ErrorIs(t, CanRemove(items, rice.Barcode, 3), ErrInsufficientQuantity)
	assert.ErrorIs(t, CanRemove(items, beans.Barcode, 1), ErrLineNotFound)
}

func TestTotal(t *testing.T) {
	items, _ := ApplyAdd(nil, rice, 2, 1000)
	items, _ = ApplyAdd(items, beans, 3, 3000)

	// 2 x 12.75 + 3 x 8.90
	assert.True(t, decimal.RequireFromString("52.20").Equal(Total(items)), Total(items).String())
	assert.True(t, decimal.Zero.Equal(Total(nil)))
}
