package maps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"ridedispatch/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *maps.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient("test-key", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)
	return client
}

func TestRouteService_Distance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maps/api/directions/json", r.URL.Path)
		assert.Equal(t, "Indiranagar", r.URL.Query().Get("destination"))
		assert.Equal(t, "12.971600,77.594600", r.URL.Query().Get("origin"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "OK",
			"routes": [{"legs": [{
				"distance": {"text": "6.4 km", "value": 6400},
				"duration": {"text": "18 mins", "value": 1080}
			}]}]
		}`))
	})

	route, err := NewRouteService(client).Distance(context.Background(), types.Point{Lat: 12.9716, Lng: 77.5946}, "Indiranagar")
	require.NoError(t, err)
	assert.InDelta(t, 6.4, route.DistanceKm, 1e-9)
	assert.Equal(t, 18*time.Minute, route.Duration)
	assert.Equal(t, "6.4 km", route.Summary)
}

func TestRouteService_NoRoute(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ZERO_RESULTS", "routes": []}`))
	})
	_, err := NewRouteService(client).Distance(context.Background(), types.Point{Lat: 1, Lng: 1}, "Atlantis")
	assert.Error(t, err)
}

func TestGeocoder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("latlng") != "" {
			_, _ = w.Write([]byte(`{"status": "OK", "results": [{"formatted_address": "Cubbon Park, Bengaluru", "geometry": {"location": {"lat": 12.9763, "lng": 77.5929}}}]}`))
			return
		}
		if r.URL.Query().Get("address") == "nowhere" {
			_, _ = w.Write([]byte(`{"status": "OK", "results": []}`))
			return
		}
		_, _ = w.Write([]byte(`{"status": "OK", "results": [{"formatted_address": "Indiranagar, Bengaluru", "geometry": {"location": {"lat": 12.9784, "lng": 77.6408}}}]}`))
	})
	g := NewGeocoder(client)
	ctx := context.Background()

	name, err := g.ReverseGeocode(ctx, types.Point{Lat: 12.9763, Lng: 77.5929})
	require.NoError(t, err)
	assert.Equal(t, "Cubbon Park, Bengaluru", name)

	p, err := g.Geocode(ctx, "Indiranagar")
	require.NoError(t, err)
	assert.Equal(t, types.Point{Lat: 12.9784, Lng: 77.6408}, p)

	_, err = g.Geocode(ctx, "nowhere")
	assert.True(t, errors.Is(err, ErrNoResults))
}
