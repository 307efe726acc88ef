package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"ridedispatch/internal/types"
)

// Geocoder resolves addresses to coordinates and back.
type Geocoder struct {
	client *maps.Client
}

func NewGeocoder(client *maps.Client) *Geocoder {
	return &Geocoder{client: client}
}

// ReverseGeocode returns a display name for p.
func (g *Geocoder) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode %s: %w", p, err)
	}
	if len(results) == 0 || results[0].FormattedAddress == "" {
		return "", fmt.Errorf("%w: reverse geocode %s", ErrNoResults, p)
	}
	return results[0].FormattedAddress, nil
}

// Geocode returns the best coordinate match for a free-text address.
func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return types.Point{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	if len(results) == 0 {
		return types.Point{}, fmt.Errorf("%w: geocode %q", ErrNoResults, address)
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}
