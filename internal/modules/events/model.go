// README: Ride lifecycle events fanned out to drivers and downstream consumers.
package events

import (
	"context"
	"errors"
	"time"

	"ridedispatch/internal/types"
)

type Type string

const (
	RideOpened    Type = "ride.opened"
	RideAccepted  Type = "ride.accepted"
	RideDeclined  Type = "ride.declined" // one driver passed; the ride stays open
	RideRejected  Type = "ride.rejected"
	RideExpired   Type = "ride.expired"
	RideCancelled Type = "ride.cancelled"
)

type Event struct {
	Type             Type        `json:"type"`
	RideID           types.ID    `json:"ride_id"`
	RiderID          types.ID    `json:"rider_id,omitempty"`
	DriverID         types.ID    `json:"driver_id,omitempty"`
	State            string      `json:"state"`
	Origin           types.Point `json:"origin"`
	DestinationLabel string      `json:"destination_label,omitempty"`
	DistanceKm       float64     `json:"distance_km"`
	Price            float64     `json:"price,omitempty"`
	Currency         string      `json:"currency,omitempty"`
	OccurredAt       time.Time   `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops events; used when no transport is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
