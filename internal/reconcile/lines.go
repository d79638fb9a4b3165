package reconcile

import (
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrLineNotFound         = errors.New("line not found in cart")
	ErrInsufficientQuantity = errors.New("cart line has fewer units than requested")
	ErrInvalidQuantity      = errors.New("quantity must be at least 1")
)

// ApplyAdd returns a new line slice with qty units of product merged into
// the line for its barcode, appending a line if none exists.
func ApplyAdd(items []domain.CartLine, product domain.Product, qty int, measured float64) ([]domain.CartLine, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	out := domain.CloneLines(items)
	for i := range out {
		if out[i].Barcode != product.Barcode {
			continue
		}
		out[i].Quantity += qty
		w := measured
		if out[i].MeasuredWeight != nil {
			w += *out[i].MeasuredWeight
		}
		out[i].MeasuredWeight = &w
		return out, nil
	}

	w := measured
	return append(out, domain.CartLine{
		Barcode:        product.Barcode,
		Name:           product.Name,
		UnitPrice:      product.Price,
		Quantity:       qty,
		MeasuredWeight: &w,
	}), nil
}

// ApplyRemoval returns a new line slice with qty units of barcode taken
// out. A line reaching zero is dropped.
func ApplyRemoval(items []domain.CartLine, barcode string, qty int, removed float64) ([]domain.CartLine, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	out := domain.CloneLines(items)
	for i := range out {
		if out[i].Barcode != barcode {
			continue
		}
		if out[i].Quantity < qty {
			return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficientQuantity, out[i].Quantity, qty)
		}
		if out[i].Quantity == qty {
			return append(out[:i], out[i+1:]...), nil
		}
		out[i].Quantity -= qty
		if out[i].MeasuredWeight != nil {
			w := *out[i].MeasuredWeight - removed
			if w < 0 {
				w = 0
			}
			out[i].MeasuredWeight = &w
		}
		return out, nil
	}
	return nil, ErrLineNotFound
}

// CanRemove reports whether barcode has at least qty units in items.
func CanRemove(items []domain.CartLine, barcode string, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	for _, l := range items {
		if l.Barcode == barcode {
			if l.Quantity < qty {
				return fmt.Errorf("%w: have %d, want %d", ErrInsufficientQuantity, l.Quantity, qty)
			}
			return nil
		}
	}
	return ErrLineNotFound
}

func Total(items []domain.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range items {
		total = total.Add(l.Subtotal())
	}
	return total
}
