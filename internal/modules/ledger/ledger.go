// README: RideLedger owns every ride state change; transitions are read, check, then version CAS.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/types"
)

type Config struct {
	RequestTTL  time.Duration
	DedupWindow time.Duration
	// MaxRejections closes an open ride once that many distinct drivers rejected it. 0 disables.
	MaxRejections int
}

type Ledger struct {
	store Store
	dedup DedupGuard
	cfg   Config
	log   *logrus.Entry
	now   func() time.Time
}

func New(store Store, dedup DedupGuard, cfg Config, log *logrus.Entry) *Ledger {
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	return &Ledger{store: store, dedup: dedup, cfg: cfg, log: log, now: time.Now}
}

type NewRequest struct {
	RiderID          types.ID
	Origin           types.Point
	OriginLabel      string
	DestinationLabel string
	Destination      *types.Point
	DistanceKm       float64
}

func (r NewRequest) Validate() error {
	switch {
	case strings.TrimSpace(string(r.RiderID)) == "":
		return fmt.Errorf("%w: rider id is required", ErrInvalidInput)
	case !r.Origin.Valid():
		return fmt.Errorf("%w: origin %v is not a valid coordinate", ErrInvalidInput, r.Origin)
	case strings.TrimSpace(r.DestinationLabel) == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidInput)
	case r.Destination != nil && !r.Destination.Valid():
		return fmt.Errorf("%w: destination %v is not a valid coordinate", ErrInvalidInput, *r.Destination)
	case math.IsNaN(r.DistanceKm) || math.IsInf(r.DistanceKm, 0) || r.DistanceKm < 0:
		return fmt.Errorf("%w: distance must be a non-negative number", ErrInvalidInput)
	}
	return nil
}

// Fingerprint identifies "the same request" for the duplicate guard.
func (r NewRequest) Fingerprint() string {
	raw := fmt.Sprintf("%s|%.5f,%.5f|%s|%.3f",
		r.RiderID, r.Origin.Lat, r.Origin.Lng,
		strings.ToLower(strings.TrimSpace(r.DestinationLabel)), r.DistanceKm)
	sum := sha256.Sum256([]byte(raw))
	return string(r.RiderID) + ":" + hex.EncodeToString(sum[:12])
}

// Create inserts a ride in StateCreated. When an identical request from the same rider is
// still in flight it returns that ride (possibly only its id, if the insert is pending)
// together with ErrDuplicateRequest.
func (l *Ledger) Create(ctx context.Context, req NewRequest) (*RideRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := types.ID(uuid.NewString())
	key := req.Fingerprint()

	if l.cfg.DedupWindow > 0 {
		if dup, err := l.reserve(ctx, key, id, req.RiderID); dup != nil || err != nil {
			return dup, err
		}
	} else {
		key = ""
	}

	now := l.now()
	r := &RideRequest{
		ID:               id,
		RiderID:          req.RiderID,
		Origin:           req.Origin,
		OriginLabel:      req.OriginLabel,
		DestinationLabel: strings.TrimSpace(req.DestinationLabel),
		Destination:      req.Destination,
		DistanceKm:       req.DistanceKm,
		State:            StateCreated,
		Version:          0,
		Fingerprint:      key,
		CreatedAt:        now,
	}
	if err := l.store.Insert(ctx, r); err != nil {
		l.release(ctx, r)
		return nil, fmt.Errorf("insert ride: %w", err)
	}

	riderID := req.RiderID
	l.appendEvent(ctx, &Event{
		RideID:    id,
		FromState: StateNone,
		ToState:   StateCreated,
		ActorType: ActorRider,
		ActorID:   &riderID,
		CreatedAt: now,
	})
	return r.Clone(), nil
}

// reserve returns a non-nil ride only for duplicates.
func (l *Ledger) reserve(ctx context.Context, key string, id, riderID types.ID) (*RideRequest, error) {
	var holder types.ID
	for attempt := 0; attempt < 2; attempt++ {
		h, reserved, err := l.dedup.Reserve(ctx, key, id, l.cfg.DedupWindow)
		if err != nil {
			return nil, fmt.Errorf("reserve dedup key: %w", err)
		}
		if reserved {
			return nil, nil
		}
		holder = h

		existing, err := l.store.Get(ctx, holder)
		switch {
		case errors.Is(err, ErrNotFound):
			// Holder is between reservation and insert.
			return &RideRequest{ID: holder, RiderID: riderID, State: StateCreated}, ErrDuplicateRequest
		case err != nil:
			return nil, err
		case !existing.State.Terminal():
			return existing, ErrDuplicateRequest
		}
		if err := l.dedup.Release(ctx, key, holder); err != nil {
			return nil, fmt.Errorf("release stale dedup key: %w", err)
		}
	}
	return &RideRequest{ID: holder, RiderID: riderID, State: StateCreated}, ErrDuplicateRequest
}

// Quote attaches the adjustment factor and price. Valid only from StateCreated.
func (l *Ledger) Quote(ctx context.Context, id types.ID, factorPercent float64, source string, price float64, currency string) (*RideRequest, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return nil, fmt.Errorf("%w: price must be a non-negative number", ErrInvalidInput)
	}
	if math.IsNaN(factorPercent) || math.IsInf(factorPercent, 0) {
		return nil, fmt.Errorf("%w: adjustment factor must be finite", ErrInvalidInput)
	}
	return l.transition(ctx, id, AllowedTransitions, StateQuoted, ActorSystem, nil, nil, func(r *RideRequest, now time.Time) {
		f, p := factorPercent, price
		r.AdjustmentFactor = &f
		r.AdjustmentSource = source
		r.QuotedPrice = &p
		r.Currency = currency
		r.QuotedAt = &now
	})
}

// Publish makes a quoted ride visible to ListOpen.
func (l *Ledger) Publish(ctx context.Context, id types.ID) (*RideRequest, error) {
	return l.transition(ctx, id, AllowedTransitions, StateOpen, ActorSystem, nil, nil, func(r *RideRequest, now time.Time) {
		r.OpenedAt = &now
	})
}

// Accept claims an open ride for driverID. Exactly one concurrent caller wins; losers get
// ErrAlreadyClaimed, or ErrInvalidTransition when the ride expired or was cancelled first.
func (l *Ledger) Accept(ctx context.Context, id, driverID types.ID) (*RideRequest, error) {
	if strings.TrimSpace(string(driverID)) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	return l.transition(ctx, id, AllowedTransitions, StateAccepted, ActorDriver, &driverID, nil, func(r *RideRequest, now time.Time) {
		d := driverID
		r.ClaimedBy = &d
		r.ResolvedAt = &now
	})
}

// Cancel withdraws an open ride.
func (l *Ledger) Cancel(ctx context.Context, id types.ID, actorType string, actorID *types.ID) (*RideRequest, error) {
	return l.transition(ctx, id, AllowedTransitions, StateCancelled, actorType, actorID, nil, func(r *RideRequest, now time.Time) {
		r.ResolvedAt = &now
	})
}

// Reject records that driverID passed on an open ride. The returned ride is in
// StateRejected only when this rejection tripped MaxRejections.
func (l *Ledger) Reject(ctx context.Context, id, driverID types.ID) (*RideRequest, error) {
	if strings.TrimSpace(string(driverID)) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != StateOpen {
		return nil, fmt.Errorf("%w: cannot reject a ride in state %s", ErrInvalidTransition, cur.State)
	}

	count, err := l.store.AppendRejection(ctx, Rejection{RideID: id, DriverID: driverID, At: l.now()})
	if err != nil {
		return nil, fmt.Errorf("append rejection: %w", err)
	}
	l.logger().WithFields(logrus.Fields{
		"ride_id":    id,
		"driver_id":  driverID,
		"rejections": count,
	}).Info("ride rejected by driver")

	if l.cfg.MaxRejections <= 0 || count < l.cfg.MaxRejections {
		return cur, nil
	}

	closed, err := l.transition(ctx, id, AllowedTransitions, StateRejected, ActorSystem, nil, nil, func(r *RideRequest, now time.Time) {
		r.ResolvedAt = &now
	})
	if err == nil {
		return closed, nil
	}
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyClaimed) {
		// Someone accepted, cancelled or closed it first; the rejection still stands.
		return l.store.Get(ctx, id)
	}
	return nil, err
}

var errNotDue = errors.New("ride not due for expiry")

// Expire moves an open ride past RequestTTL to StateExpired and reports whether it did.
// Terminal rides and rides not yet due are a no-op. Losing the CAS to a concurrent
// accept or cancel yields ErrInvalidTransition.
func (l *Ledger) Expire(ctx context.Context, id types.ID) (bool, error) {
	r, err := l.expire(ctx, id)
	return r != nil, err
}

// expire returns the expired record, or nil when nothing changed.
func (l *Ledger) expire(ctx context.Context, id types.ID) (*RideRequest, error) {
	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State.Terminal() {
		return nil, nil
	}
	if cur.State != StateOpen {
		return nil, fmt.Errorf("%w: cannot expire a ride in state %s", ErrInvalidTransition, cur.State)
	}

	due := func(r *RideRequest) error {
		if l.now().Sub(r.CreatedAt) <= l.cfg.RequestTTL {
			return errNotDue
		}
		return nil
	}
	r, err := l.transition(ctx, id, AllowedTransitions, StateExpired, ActorSystem, nil, due, func(r *RideRequest, now time.Time) {
		r.ResolvedAt = &now
	})
	if errors.Is(err, errNotDue) {
		return nil, nil
	}
	return r, err
}

// ExpireDue expires every open ride past its TTL and returns the rides it moved.
func (l *Ledger) ExpireDue(ctx context.Context) ([]*RideRequest, error) {
	open, err := l.store.ListByState(ctx, StateOpen)
	if err != nil {
		return nil, err
	}
	cutoff := l.now().Add(-l.cfg.RequestTTL)
	var (
		expired []*RideRequest
		errs    []error
	)
	for _, r := range open {
		if !r.CreatedAt.Before(cutoff) {
			// Ordered by CreatedAt, so nothing later is due either.
			break
		}
		done, err := l.expire(ctx, r.ID)
		switch {
		case errors.Is(err, ErrInvalidTransition):
			// Lost to an accept or cancel.
		case err != nil:
			errs = append(errs, fmt.Errorf("expire %s: %w", r.ID, err))
		case done != nil:
			expired = append(expired, done)
		}
	}
	return expired, errors.Join(errs...)
}

// ListOpen returns open rides oldest first.
func (l *Ledger) ListOpen(ctx context.Context) ([]*RideRequest, error) {
	return l.store.ListByState(ctx, StateOpen)
}

func (l *Ledger) Get(ctx context.Context, id types.ID) (*RideRequest, error) {
	return l.store.Get(ctx, id)
}

// Abort cancels a ride stuck before StateOpen because quoting or publishing failed.
// The reservation is released with it.
func (l *Ledger) Abort(ctx context.Context, id types.ID) (*RideRequest, error) {
	return l.transition(ctx, id, AbortTransitions, StateCancelled, ActorSystem, nil, nil, func(r *RideRequest, now time.Time) {
		r.ResolvedAt = &now
	})
}

// ReleaseReservation frees the duplicate guard for a ride that will never be published.
func (l *Ledger) ReleaseReservation(ctx context.Context, r *RideRequest) {
	l.release(ctx, r)
}

const maxCASAttempts = 8

// transition applies mutate to a copy of the current record and commits it with a CAS on
// Version. On a lost CAS it re-reads and re-checks, so the stored record is never
// partially updated.
func (l *Ledger) transition(
	ctx context.Context,
	id types.ID,
	table map[State][]State,
	to State,
	actorType string,
	actorID *types.ID,
	precheck func(*RideRequest) error,
	mutate func(*RideRequest, time.Time),
) (*RideRequest, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := l.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !canTransitionIn(table, cur.State, to) {
			return nil, classify(cur.State, to)
		}
		if precheck != nil {
			if err := precheck(cur); err != nil {
				return nil, err
			}
		}

		now := l.now()
		next := cur.Clone()
		next.State = to
		next.Version = cur.Version + 1
		mutate(next, now)

		ok, err := l.store.CompareAndSwap(ctx, next, cur.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			l.appendEvent(ctx, &Event{
				RideID:    id,
				FromState: cur.State,
				ToState:   to,
				ActorType: actorType,
				ActorID:   actorID,
				CreatedAt: now,
			})
			if to.Terminal() {
				l.release(ctx, next)
			}
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: too much contention moving %s to %s", ErrInvalidTransition, id, to)
}

func classify(from, to State) error {
	if to == StateAccepted && from == StateAccepted {
		return ErrAlreadyClaimed
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (l *Ledger) appendEvent(ctx context.Context, e *Event) {
	if err := l.store.AppendEvent(ctx, e); err != nil {
		l.logger().WithError(err).WithField("ride_id", e.RideID).Warn("append ride event failed")
	}
}

func (l *Ledger) release(ctx context.Context, r *RideRequest) {
	if r == nil || r.Fingerprint == "" {
		return
	}
	if err := l.dedup.Release(ctx, r.Fingerprint, r.ID); err != nil {
		l.logger().WithError(err).WithField("ride_id", r.ID).Warn("release dedup key failed")
	}
}

func (l *Ledger) logger() *logrus.Entry {
	if l.log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.log
}
