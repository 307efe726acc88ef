// README: Driver availability as reported by drivers; lifecycle is owned outside this service.
package drivers

import (
	"context"
	"errors"
	"time"

	"ridedispatch/internal/types"
)

var ErrNotFound = errors.New("driver not found")

type Driver struct {
	ID        types.ID     `json:"id"`
	Online    bool         `json:"online"`
	Position  *types.Point `json:"position,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Directory interface {
	Upsert(ctx context.Context, d Driver) error
	// Get returns ErrNotFound for drivers that never reported.
	Get(ctx context.Context, id types.ID) (Driver, error)
}
