// README: Store backed by PostgreSQL; the CAS is a single UPDATE guarded by id and version.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/types"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const rideColumns = `
	id, rider_id, origin_lat, origin_lng, origin_label,
	destination_label, destination_lat, destination_lng, distance_km,
	adjustment_factor, adjustment_source, quoted_price, currency,
	state, claimed_by, version, fingerprint,
	created_at, quoted_at, opened_at, resolved_at`

func (s *PostgresStore) Insert(ctx context.Context, r *RideRequest) error {
	destLat, destLng := pointPtrs(r.Destination)
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_requests (`+rideColumns+`)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		string(r.ID), string(r.RiderID), r.Origin.Lat, r.Origin.Lng, r.OriginLabel,
		r.DestinationLabel, destLat, destLng, r.DistanceKm,
		r.AdjustmentFactor, r.AdjustmentSource, r.QuotedPrice, r.Currency,
		string(r.State), toStringPtr(r.ClaimedBy), r.Version, r.Fingerprint,
		r.CreatedAt, r.QuotedAt, r.OpenedAt, r.ResolvedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateID
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*RideRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, next *RideRequest, expectedVersion int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ride_requests
		SET state = $1,
			version = $2,
			claimed_by = $3,
			adjustment_factor = $4,
			adjustment_source = $5,
			quoted_price = $6,
			currency = $7,
			quoted_at = $8,
			opened_at = $9,
			resolved_at = $10
		WHERE id = $11 AND version = $12`,
		string(next.State),
		next.Version,
		toStringPtr(next.ClaimedBy),
		next.AdjustmentFactor,
		next.AdjustmentSource,
		next.QuotedPrice,
		next.Currency,
		next.QuotedAt,
		next.OpenedAt,
		next.ResolvedAt,
		string(next.ID),
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListByState(ctx context.Context, state State) ([]*RideRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM ride_requests
		WHERE state = $1
		ORDER BY created_at ASC, id ASC`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendRejection(ctx context.Context, rej Rejection) (int, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_rejections (ride_id, driver_id, rejected_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ride_id, driver_id) DO NOTHING`,
		string(rej.RideID), string(rej.DriverID), rej.At,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ride_rejections WHERE ride_id = $1`, string(rej.RideID)).Scan(&count)
	return count, err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_state, to_state, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(e.RideID),
		string(e.FromState),
		string(e.ToState),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	).Scan(&e.ID)
}

// Events returns the audit trail of one ride in insertion order.
func (s *PostgresStore) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_state, to_state, actor_type, actor_id, created_at
		FROM ride_state_events
		WHERE ride_id = $1
		ORDER BY id`, string(rideID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e             Event
			rid, from, to string
			actorID       *string
		)
		if err := rows.Scan(&e.ID, &rid, &from, &to, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RideID = types.ID(rid)
		e.FromState = State(from)
		e.ToState = State(to)
		e.ActorID = toIDPtr(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*RideRequest, error) {
	var (
		r                  RideRequest
		id, riderID, state string
		destLat, destLng   *float64
		claimedBy          *string
		quotedAt, openedAt *time.Time
		resolvedAt         *time.Time
	)
	err := row.Scan(
		&id, &riderID, &r.Origin.Lat, &r.Origin.Lng, &r.OriginLabel,
		&r.DestinationLabel, &destLat, &destLng, &r.DistanceKm,
		&r.AdjustmentFactor, &r.AdjustmentSource, &r.QuotedPrice, &r.Currency,
		&state, &claimedBy, &r.Version, &r.Fingerprint,
		&r.CreatedAt, &quotedAt, &openedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(id)
	r.RiderID = types.ID(riderID)
	r.State = State(state)
	r.ClaimedBy = toIDPtr(claimedBy)
	if destLat != nil && destLng != nil {
		r.Destination = &types.Point{Lat: *destLat, Lng: *destLng}
	}
	r.QuotedAt = quotedAt
	r.OpenedAt = openedAt
	r.ResolvedAt = resolvedAt
	return &r, nil
}

func pointPtrs(p *types.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	lat, lng := p.Lat, p.Lng
	return &lat, &lng
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
