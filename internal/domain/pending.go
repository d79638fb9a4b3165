package domain

import "time"

type PendingKind int

const (
	PendingAdd PendingKind = iota + 1
	PendingRemoval
)

func (k PendingKind) String() string {
	switch k {
	case PendingAdd:
		return "add"
	case PendingRemoval:
		return "removal"
	default:
		return "unknown"
	}
}

// PendingScanEvent is the single outstanding scan or removal of a session,
// waiting for its weight sample. It is never part of a snapshot.
type PendingScanEvent struct {
	Kind                  PendingKind
	Product               Product
	RequestedQuantity     int
	ExpectedWeightPerUnit float64
	IssuedAt              time.Time
}

func (p PendingScanEvent) Barcode() string {
	return p.Product.Barcode
}

// ExpectedMagnitude is the weight the whole batch should add or remove, in grams.
func (p PendingScanEvent) ExpectedMagnitude() float64 {
	return float64(p.RequestedQuantity) * p.ExpectedWeightPerUnit
}

// WeightSample is a single scale report attributed to the outstanding
// pending event of the session it was sent for.
type WeightSample struct {
	Barcode        string
	Quantity       int
	MeasuredWeight float64
}
