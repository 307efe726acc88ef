// README: Google Maps client wrappers: driving distance and geocoding.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"ridedispatch/internal/types"
)

var ErrNoResults = errors.New("maps: no results")

// NewClient builds a Google Maps client. Extra options are mostly for tests (maps.WithBaseURL).
func NewClient(apiKey string, opts ...maps.ClientOption) (*maps.Client, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}

// RouteService answers driving distance questions.
type RouteService struct {
	client *maps.Client
}

func NewRouteService(client *maps.Client) *RouteService {
	return &RouteService{client: client}
}

type Route struct {
	DistanceKm float64       `json:"distance_km"`
	Duration   time.Duration `json:"duration"`
	Summary    string        `json:"summary"`
}

// Distance returns the driving distance from origin to a free-text destination.
func (s *RouteService) Distance(ctx context.Context, origin types.Point, destination string) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: destination,
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: no route to %q", ErrNoResults, destination)
	}

	leg := routes[0].Legs[0]
	return Route{
		DistanceKm: float64(leg.Distance.Meters) / 1000,
		Duration:   leg.Duration,
		Summary:    leg.Distance.HumanReadable,
	}, nil
}
