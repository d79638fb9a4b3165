// Package catalog resolves scanned barcodes to products.
package catalog

import (
	"context"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"golang.org/x/sync/singleflight"
)

type ProductSource interface {
	GetProduct(ctx context.Context, barcode string) (domain.Product, error)
}

type Service struct {
	source ProductSource
	sfg    singleflight.Group // collapses concurrent lookups of one barcode
}

func NewService(source ProductSource) *Service {
	return &Service{source: source}
}

func (s *Service) Lookup(ctx context.Context, barcode string) (domain.Product, error) {
	v, err, _ := s.sfg.Do(barcode, func() (interface{}, error) {
		return s.source.GetProduct(ctx, barcode)
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}
