// Package reconcile holds the weight tolerance policy and the pure snapshot
// transitions shared by every implementation of the cart session.
package reconcile

import (
	"math"
)

// DefaultToleranceGrams absorbs sensor noise and packaging variance while
// bounding what a swapped product can be worth.
const DefaultToleranceGrams = 50.0

type Policy struct {
	ToleranceGrams float64
}

func NewPolicy(toleranceGrams float64) Policy {
	return Policy{ToleranceGrams: toleranceGrams}
}

// Decision is the outcome of comparing one weight reading against the
// expected weight of the outstanding batch.
type Decision struct {
	Accepted  bool
	Expected  float64
	Measured  float64
	Deviation float64
}

// Decide accepts iff |measured - expected| <= tolerance. Non-finite inputs
// are always rejected.
func (p Policy) Decide(expected, measured float64) Decision {
	d := Decision{Expected: expected, Measured: measured}
	if !finite(expected) || !finite(measured) || !finite(p.ToleranceGrams) || p.ToleranceGrams < 0 {
		d.Deviation = math.Inf(1)
		return d
	}
	d.Deviation = math.Abs(measured - expected)
	d.Accepted = d.Deviation <= p.ToleranceGrams
	return d
}

// ExpectedAdd is the weight a batch of qty units adds to the cart.
func ExpectedAdd(unitWeight float64, qty int) float64 {
	return float64(qty) * unitWeight
}

// ExpectedRemoval is the (negative) weight delta of removing qty units.
func ExpectedRemoval(unitWeight float64, qty int) float64 {
	return -float64(qty) * unitWeight
}

// RemovalDelta converts a removal reading, reported as the magnitude
// taken off the scale, into the signed delta compared by Decide.
func RemovalDelta(removed float64) float64 {
	return -math.Abs(removed)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
