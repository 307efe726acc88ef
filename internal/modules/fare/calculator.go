// README: Pure fare computation: distance tariff blended with a percentage adjustment.
package fare

import (
	"fmt"
	"math"
)

type Calculator struct {
	tariff Tariff
}

func NewCalculator(t Tariff) *Calculator {
	return &Calculator{tariff: t}
}

// ComputeFare returns max(0, (base + max(0, d-included)*perKm) * (1 - factor/100)).
// A positive factor is a discount, a negative one a surcharge.
func (c *Calculator) ComputeFare(distanceKm, adjustmentPercent float64) (float64, error) {
	b, err := c.Quote(distanceKm, adjustmentPercent)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// Quote computes the same price as ComputeFare and keeps the intermediate lines.
func (c *Calculator) Quote(distanceKm, adjustmentPercent float64) (Breakdown, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return Breakdown{}, fmt.Errorf("%w: distance %v km", ErrInvalidInput, distanceKm)
	}
	if math.IsNaN(adjustmentPercent) || math.IsInf(adjustmentPercent, 0) {
		return Breakdown{}, fmt.Errorf("%w: adjustment %v%%", ErrInvalidInput, adjustmentPercent)
	}

	extraKm := math.Max(0, distanceKm-c.tariff.IncludedKm)
	distanceCharge := extraKm * c.tariff.PerKmRate
	subtotal := c.tariff.BaseFare + distanceCharge
	total := math.Max(0, subtotal*(1-adjustmentPercent/100))

	return Breakdown{
		DistanceKm:       distanceKm,
		BaseFare:         round2(c.tariff.BaseFare),
		DistanceCharge:   round2(distanceCharge),
		Subtotal:         round2(subtotal),
		AdjustmentFactor: adjustmentPercent,
		Adjustment:       round2(total - subtotal),
		Total:            round2(total),
		Currency:         c.tariff.Currency,
	}, nil
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0 // normalise -0
	}
	return r
}
