// README: Storage contract the ledger needs: keyed insert/get, version CAS and a state query.
package ledger

import (
	"context"

	"ridedispatch/internal/types"
)

// Store persists ride requests. Implementations must make CompareAndSwap atomic per id
// and must not serialise operations on different ids behind one lock.
type Store interface {
	Insert(ctx context.Context, r *RideRequest) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id types.ID) (*RideRequest, error)
	// CompareAndSwap replaces the record with next only if the stored version equals
	// expectedVersion. It reports false without error when the version moved on.
	CompareAndSwap(ctx context.Context, next *RideRequest, expectedVersion int) (bool, error)
	// ListByState returns records ordered by CreatedAt ascending.
	ListByState(ctx context.Context, state State) ([]*RideRequest, error)
	// AppendRejection is idempotent per driver and returns the number of distinct rejecting drivers.
	AppendRejection(ctx context.Context, rej Rejection) (int, error)
	AppendEvent(ctx context.Context, e *Event) error
}
