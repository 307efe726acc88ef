// README: Tariff definition and quote breakdown for the distance fare.
package fare

import "errors"

var ErrInvalidInput = errors.New("invalid fare input")

type Tariff struct {
	BaseFare   float64 // flat charge covering the first IncludedKm
	IncludedKm float64
	PerKmRate  float64
	Currency   string
}

// DefaultTariff is the tariff the rider app launched with.
func DefaultTariff() Tariff {
	return Tariff{BaseFare: 30, IncludedKm: 2, PerKmRate: 15, Currency: "INR"}
}

type Breakdown struct {
	DistanceKm       float64 `json:"distance_km"`
	BaseFare         float64 `json:"base_fare"`
	DistanceCharge   float64 `json:"distance_charge"`
	Subtotal         float64 `json:"subtotal"`
	AdjustmentFactor float64 `json:"adjustment_percent"`
	Adjustment       float64 `json:"adjustment"`
	Total            float64 `json:"total"`
	Currency         string  `json:"currency"`
}
