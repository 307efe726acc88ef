// README: Ride request record, lifecycle states and the allowed transition table.
package ledger

import (
	"time"

	"ridedispatch/internal/types"
)

type State string

const (
	StateNone      State = "none"
	StateCreated   State = "created"
	StateQuoted    State = "quoted"
	StateOpen      State = "open"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal states never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateExpired, StateCancelled:
		return true
	}
	return false
}

type RideRequest struct {
	ID               types.ID     `json:"id"`
	RiderID          types.ID     `json:"rider_id"`
	Origin           types.Point  `json:"origin"`
	OriginLabel      string       `json:"origin_label,omitempty"`
	DestinationLabel string       `json:"destination_label"`
	Destination      *types.Point `json:"destination,omitempty"`
	DistanceKm       float64      `json:"distance_km"`

	// Set once by Quote.
	AdjustmentFactor *float64 `json:"adjustment_factor,omitempty"`
	AdjustmentSource string   `json:"adjustment_source,omitempty"`
	QuotedPrice      *float64 `json:"quoted_price,omitempty"`
	Currency         string   `json:"currency,omitempty"`

	State     State     `json:"state"`
	ClaimedBy *types.ID `json:"claimed_by,omitempty"`
	Version   int       `json:"version"`

	// Fingerprint is the dedup key held while the ride is in flight.
	Fingerprint string `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	QuotedAt   *time.Time `json:"quoted_at,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy; stores hand out clones so callers never share state.
func (r *RideRequest) Clone() *RideRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Destination != nil {
		d := *r.Destination
		c.Destination = &d
	}
	c.AdjustmentFactor = cloneFloat(r.AdjustmentFactor)
	c.QuotedPrice = cloneFloat(r.QuotedPrice)
	if r.ClaimedBy != nil {
		id := *r.ClaimedBy
		c.ClaimedBy = &id
	}
	c.QuotedAt = cloneTime(r.QuotedAt)
	c.OpenedAt = cloneTime(r.OpenedAt)
	c.ResolvedAt = cloneTime(r.ResolvedAt)
	return &c
}

type Rejection struct {
	RideID   types.ID
	DriverID types.ID
	At       time.Time
}

// Event is one row of the transition audit trail.
type Event struct {
	ID        int64
	RideID    types.ID
	FromState State
	ToState   State
	ActorType string
	ActorID   *types.ID
	CreatedAt time.Time
}

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorSystem = "system"
)

// AllowedTransitions represents the ride lifecycle diagram as code.
var AllowedTransitions = map[State][]State{
	StateCreated: {StateQuoted},
	StateQuoted:  {StateOpen},
	StateOpen:    {StateAccepted, StateExpired, StateCancelled, StateRejected},
}

// AbortTransitions are system-only exits for a ride whose quote or publication failed,
// so it never lingers in a pre-open state.
var AbortTransitions = map[State][]State{
	StateCreated: {StateCancelled},
	StateQuoted:  {StateCancelled},
}

func CanTransition(from, to State) bool {
	return canTransitionIn(AllowedTransitions, from, to)
}

func canTransitionIn(table map[State][]State, from, to State) bool {
	next, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
