// README: DispatchService wires quoting, publication and driver actions around the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/maps"
	"ridedispatch/internal/metrics"
	"ridedispatch/internal/modules/adjustment"
	"ridedispatch/internal/modules/drivers"
	"ridedispatch/internal/modules/events"
	"ridedispatch/internal/modules/fare"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/types"
)

var (
	ErrNotOwner           = errors.New("ride belongs to another rider")
	ErrRoutingUnavailable = errors.New("route service not configured")
	// ErrQuoteFailed covers faults after the ride was created. The ride is aborted.
	ErrQuoteFailed = errors.New("ride could not be quoted")
)

type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type RouteFinder interface {
	Distance(ctx context.Context, origin types.Point, destination string) (maps.Route, error)
}

type AdjustmentResolver interface {
	Resolve(ctx context.Context, f adjustment.Features) adjustment.Result
}

type Config struct {
	// RadiusKm limits the open list to rides starting near the driver. 0 disables.
	RadiusKm       float64
	GeocodeTimeout time.Duration
	SweepInterval  time.Duration
}

// Deps are the collaborators; Geocoder, Routes, Drivers and Events may be nil.
type Deps struct {
	Ledger     *ledger.Ledger
	Fare       *fare.Calculator
	Adjustment AdjustmentResolver
	Drivers    drivers.Directory
	Events     events.Publisher
	Geocoder   Geocoder
	Routes     RouteFinder
}

type Service struct {
	ledger   *ledger.Ledger
	fare     *fare.Calculator
	adjust   AdjustmentResolver
	drivers  drivers.Directory
	events   events.Publisher
	geocoder Geocoder
	routes   RouteFinder
	cfg      Config
	log      *logrus.Entry
	now      func() time.Time
}

func NewService(d Deps, cfg Config, log *logrus.Entry) *Service {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Service{
		ledger:   d.Ledger,
		fare:     d.Fare,
		adjust:   d.Adjustment,
		drivers:  d.Drivers,
		events:   d.Events,
		geocoder: d.Geocoder,
		routes:   d.Routes,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type RideCommand struct {
	RiderID          types.ID
	Origin           types.Point
	DestinationLabel string
	Destination      *types.Point
	DistanceKm       float64
	Signals          map[string]float64
}

// RideQuote is the outcome of RequestRide. Breakdown is nil for duplicates.
type RideQuote struct {
	Ride       *ledger.RideRequest `json:"ride"`
	Breakdown  *fare.Breakdown     `json:"breakdown,omitempty"`
	Adjustment *adjustment.Result  `json:"adjustment,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

// RequestRide creates, quotes and publishes a ride. A duplicate submission returns the
// ride already in flight together with ledger.ErrDuplicateRequest.
func (s *Service) RequestRide(ctx context.Context, cmd RideCommand) (*RideQuote, error) {
	req := ledger.NewRequest{
		RiderID:          cmd.RiderID,
		Origin:           cmd.Origin,
		DestinationLabel: cmd.DestinationLabel,
		Destination:      cmd.Destination,
		DistanceKm:       cmd.DistanceKm,
	}
	if err := req.Validate(); err != nil {
		metrics.RidesRequested.WithLabelValues("invalid").Inc()
		return nil, err
	}

	var warnings []string
	req.OriginLabel, req.Destination, warnings = s.resolveLocations(ctx, cmd)

	ride, err := s.ledger.Create(ctx, req)
	if errors.Is(err, ledger.ErrDuplicateRequest) {
		metrics.RidesRequested.WithLabelValues("duplicate").Inc()
		return &RideQuote{Ride: ride}, err
	}
	if err != nil {
		metrics.RidesRequested.WithLabelValues("error").Inc()
		return nil, err
	}

	quote, err := s.quoteAndPublish(ctx, ride, cmd.Signals)
	if err != nil {
		s.abort(ctx, ride, err)
		metrics.RidesRequested.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrQuoteFailed, err)
	}
	quote.Warnings = append(warnings, quote.Warnings...)
	metrics.RidesRequested.WithLabelValues("opened").Inc()

	s.emit(ctx, events.RideOpened, quote.Ride, "")
	s.log.WithFields(logrus.Fields{
		"ride_id":           quote.Ride.ID,
		"rider_id":          quote.Ride.RiderID,
		"price":             quote.Breakdown.Total,
		"adjustment_source": quote.Adjustment.Source,
	}).Info("ride opened")
	return quote, nil
}

func (s *Service) quoteAndPublish(ctx context.Context, ride *ledger.RideRequest, signals map[string]float64) (*RideQuote, error) {
	res := s.resolveAdjustment(ctx, adjustment.NewFeatures(ride.DistanceKm, ride.Origin, s.now(), signals))
	metrics.QuotesBySource.WithLabelValues(string(res.Source)).Inc()

	breakdown, err := s.fare.Quote(ride.DistanceKm, res.FactorPercent)
	if err != nil {
		return nil, fmt.Errorf("compute fare: %w", err)
	}
	if _, err := s.ledger.Quote(ctx, ride.ID, res.FactorPercent, string(res.Source), breakdown.Total, breakdown.Currency); err != nil {
		return nil, fmt.Errorf("quote ride: %w", err)
	}
	open, err := s.ledger.Publish(ctx, ride.ID)
	if err != nil {
		return nil, fmt.Errorf("publish ride: %w", err)
	}

	q := &RideQuote{Ride: open, Breakdown: &breakdown, Adjustment: &res}
	if res.Warning != "" {
		q.Warnings = append(q.Warnings, res.Warning)
	}
	return q, nil
}

// abort cancels a ride that failed between create and publish. It runs even when the
// caller has gone away.
func (s *Service) abort(ctx context.Context, ride *ledger.RideRequest, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithError(cause).WithField("ride_id", ride.ID)
	if _, err := s.ledger.Abort(ctx, ride.ID); err != nil {
		log.WithField("abort_error", err.Error()).Error("abort unquoted ride failed")
		s.ledger.ReleaseReservation(ctx, ride)
		return
	}
	log.Warn("ride aborted before publication")
}

func (s *Service) resolveAdjustment(ctx context.Context, f adjustment.Features) adjustment.Result {
	if s.adjust == nil {
		return adjustment.Result{Source: adjustment.SourceFallback, Warning: "no adjustment provider configured"}
	}
	return s.adjust.Resolve(ctx, f)
}

// resolveLocations geocodes best-effort. Failures fall back to raw coordinates and text.
func (s *Service) resolveLocations(ctx context.Context, cmd RideCommand) (string, *types.Point, []string) {
	originLabel := cmd.Origin.String()
	dest := cmd.Destination
	if s.geocoder == nil {
		return originLabel, dest, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GeocodeTimeout)
	defer cancel()

	var warnings []string
	if name, err := s.geocoder.ReverseGeocode(ctx, cmd.Origin); err == nil && name != "" {
		originLabel = name
	} else if err != nil {
		s.log.WithError(err).Debug("reverse geocode failed")
		warnings = append(warnings, "origin address unavailable, showing coordinates")
	}
	if dest == nil {
		if p, err := s.geocoder.Geocode(ctx, cmd.DestinationLabel); err == nil && p.Valid() {
			dest = &p
		} else if err != nil {
			s.log.WithError(err).Debug("geocode destination failed")
		}
	}
	return originLabel, dest, warnings
}

func (s *Service) DriverAccept(ctx context.Context, rideID, driverID types.ID) (*ledger.RideRequest, error) {
	ride, err := s.ledger.Accept(ctx, rideID, driverID)
	metrics.AcceptOutcomes.WithLabelValues(acceptOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.RideAccepted, ride, driverID)
	s.log.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID}).Info("ride accepted")
	return ride, nil
}

func (s *Service) DriverReject(ctx context.Context, rideID, driverID types.ID) (*ledger.RideRequest, error) {
	ride, err := s.ledger.Reject(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.RideDeclined, ride, driverID)
	if ride.State == ledger.StateRejected {
		s.emit(ctx, events.RideRejected, ride, "")
	}
	return ride, nil
}

// ListOpenForDrivers returns open rides oldest first, filtered to those driverID is
// eligible for. An empty driverID returns the unfiltered list.
func (s *Service) ListOpenForDrivers(ctx context.Context, driverID types.ID) ([]*ledger.RideRequest, error) {
	open, err := s.ledger.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	if driverID == "" || s.drivers == nil {
		return open, nil
	}

	d, err := s.drivers.Get(ctx, driverID)
	if errors.Is(err, drivers.ErrNotFound) {
		return []*ledger.RideRequest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}

	out := make([]*ledger.RideRequest, 0, len(open))
	for _, r := range open {
		if drivers.Eligible(d, r.Origin, s.cfg.RadiusKm) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Viewer is the caller asking for a ride. The zero Viewer is unrestricted.
type Viewer struct {
	ID     types.ID
	Driver bool
}

// RideStatus returns the ride when the viewer may see it: its rider, any driver while
// it is open, or the driver who claimed it. Anyone else gets ErrNotOwner.
func (s *Service) RideStatus(ctx context.Context, rideID types.ID, v Viewer) (*ledger.RideRequest, error) {
	r, err := s.ledger.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if v.ID == "" || r.RiderID == v.ID {
		return r, nil
	}
	if v.Driver && (r.State == ledger.StateOpen || (r.ClaimedBy != nil && *r.ClaimedBy == v.ID)) {
		return r, nil
	}
	return nil, ErrNotOwner
}

// CancelRide withdraws an open ride. A non-empty riderID must own the ride.
func (s *Service) CancelRide(ctx context.Context, rideID, riderID types.ID) (*ledger.RideRequest, error) {
	if riderID != "" {
		cur, err := s.ledger.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if cur.RiderID != riderID {
			return nil, ErrNotOwner
		}
	}
	var actor *types.ID
	if riderID != "" {
		actor = &riderID
	}
	ride, err := s.ledger.Cancel(ctx, rideID, ledger.ActorRider, actor)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.RideCancelled, ride, "")
	return ride, nil
}

type EstimateCommand struct {
	Origin     types.Point
	DistanceKm float64
	Signals    map[string]float64
}

type Estimate struct {
	Breakdown  fare.Breakdown    `json:"breakdown"`
	Adjustment adjustment.Result `json:"adjustment"`
}

// Estimate prices a trip without creating a ride.
func (s *Service) Estimate(ctx context.Context, cmd EstimateCommand) (*Estimate, error) {
	if !cmd.Origin.Valid() {
		return nil, fmt.Errorf("%w: origin %v is not a valid coordinate", ledger.ErrInvalidInput, cmd.Origin)
	}
	// Validate before spending a provider call.
	if _, err := s.fare.Quote(cmd.DistanceKm, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	res := s.resolveAdjustment(ctx, adjustment.NewFeatures(cmd.DistanceKm, cmd.Origin, s.now(), cmd.Signals))
	b, err := s.fare.Quote(cmd.DistanceKm, res.FactorPercent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	return &Estimate{Breakdown: b, Adjustment: res}, nil
}

// Distance measures the driving distance from origin to a free-text destination.
func (s *Service) Distance(ctx context.Context, origin types.Point, destination string) (maps.Route, error) {
	if !origin.Valid() {
		return maps.Route{}, fmt.Errorf("%w: origin %v is not a valid coordinate", ledger.ErrInvalidInput, origin)
	}
	if strings.TrimSpace(destination) == "" {
		return maps.Route{}, fmt.Errorf("%w: destination is required", ledger.ErrInvalidInput)
	}
	if s.routes == nil {
		return maps.Route{}, ErrRoutingUnavailable
	}
	return s.routes.Distance(ctx, origin, destination)
}

// SetDriverAvailability records what a driver reported about itself.
func (s *Service) SetDriverAvailability(ctx context.Context, driverID types.ID, online bool, position *types.Point) (drivers.Driver, error) {
	if strings.TrimSpace(string(driverID)) == "" {
		return drivers.Driver{}, fmt.Errorf("%w: driver id is required", ledger.ErrInvalidInput)
	}
	if position != nil && !position.Valid() {
		return drivers.Driver{}, fmt.Errorf("%w: position %v is not a valid coordinate", ledger.ErrInvalidInput, *position)
	}
	if s.drivers == nil {
		return drivers.Driver{}, errors.New("driver directory not configured")
	}
	d := drivers.Driver{ID: driverID, Online: online, Position: position, UpdatedAt: s.now()}
	if err := s.drivers.Upsert(ctx, d); err != nil {
		return drivers.Driver{}, err
	}
	return d, nil
}

func (s *Service) emit(ctx context.Context, t events.Type, r *ledger.RideRequest, driverID types.ID) {
	e := events.Event{
		Type:             t,
		RideID:           r.ID,
		RiderID:          r.RiderID,
		DriverID:         driverID,
		State:            string(r.State),
		Origin:           r.Origin,
		DestinationLabel: r.DestinationLabel,
		DistanceKm:       r.DistanceKm,
		Currency:         r.Currency,
		OccurredAt:       s.now(),
	}
	if r.QuotedPrice != nil {
		e.Price = *r.QuotedPrice
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"ride_id": r.ID, "event": t}).Warn("publish ride event failed")
	}
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
