package domain

import "github.com/shopspring/decimal"

// Product is the catalog record resolved for a scanned barcode.
type Product struct {
	Barcode    string          `json:"barcode"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	UnitWeight float64         `json:"weight"`
}
