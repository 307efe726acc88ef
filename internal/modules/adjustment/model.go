// README: Adjustment provider contract: ride features in, percentage factor out.
package adjustment

import (
	"context"
	"errors"
	"time"

	"ridedispatch/internal/types"
)

// ErrUnavailable covers every provider failure: timeouts, transport errors, bad payloads.
var ErrUnavailable = errors.New("adjustment provider unavailable")

type Source string

const (
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
)

// Features is passed to providers as-is. Signals carries deployment-specific demand
// inputs (traffic density, available drivers, ...) which this service never interprets.
type Features struct {
	DistanceKm  float64            `json:"distance_km"`
	Origin      types.Point        `json:"origin"`
	RequestedAt time.Time          `json:"requested_at"`
	HourOfDay   int                `json:"hour_of_day"`
	DayOfWeek   int                `json:"day_of_week"`
	IsWeekend   bool               `json:"is_weekend"`
	Signals     map[string]float64 `json:"signals,omitempty"`
}

// NewFeatures fills the calendar fields from at.
func NewFeatures(distanceKm float64, origin types.Point, at time.Time, signals map[string]float64) Features {
	wd := at.Weekday()
	return Features{
		DistanceKm:  distanceKm,
		Origin:      origin,
		RequestedAt: at,
		HourOfDay:   at.Hour(),
		DayOfWeek:   int(wd),
		IsWeekend:   wd == time.Saturday || wd == time.Sunday,
		Signals:     signals,
	}
}

// Provider returns a percentage: positive discounts the fare, negative surcharges it.
type Provider interface {
	Factor(ctx context.Context, f Features) (float64, error)
}

// Result is what the dispatch pipeline records on a ride.
type Result struct {
	FactorPercent float64 `json:"factor_percent"`
	Source        Source  `json:"source"`
	Warning       string  `json:"warning,omitempty"`
}
