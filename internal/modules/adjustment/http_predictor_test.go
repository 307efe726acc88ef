package adjustment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/types"
)

func sampleFeatures() Features {
	at := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC) // Saturday
	return NewFeatures(7.5, types.Point{Lat: 40.7128, Lng: -74.006}, at, map[string]float64{
		"Traffic_Density": 0.7,
		"Latitude":        1, // must not override the real origin
	})
}

func TestNewFeatures_Calendar(t *testing.T) {
	f := sampleFeatures()
	assert.Equal(t, 18, f.HourOfDay)
	assert.Equal(t, int(time.Saturday), f.DayOfWeek)
	assert.True(t, f.IsWeekend)
}

func TestHTTPPredictor_Factor(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"prediction": 12.5}`))
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL+"/predict", srv.Client())
	factor, err := p.Factor(context.Background(), sampleFeatures())
	require.NoError(t, err)
	assert.Equal(t, 12.5, factor)

	assert.Equal(t, 7.5, got["Ride_Distance_KM"])
	assert.Equal(t, 40.7128, got["Latitude"])
	assert.Equal(t, 0.7, got["Traffic_Density"])
	assert.Equal(t, float64(1), got["Is_Weekend"])
	assert.Equal(t, float64(18), got["Hour_of_Day"])
}

func TestPredictPayload_FullColumnSet(t *testing.T) {
	payload := predictPayload(sampleFeatures())

	want := []string{
		"City", "Day_of_Week", "Latitude", "Longitude", "Ride_Distance_KM", "Ride_Type",
		"Weather", "Event", "Payment_Type", "Available_Drivers", "User_Booking_Count",
		"Traffic_Density", "Previous_Surge", "Fare_Acceptance", "Demand_Level",
		"Surge_Multiplier", "Final_Fare", "Hour_of_Day", "Is_Weekend", "Real_Time_Demand",
		"Driver_Performance_Score", "Smart_Timeout", "AI_Demand_Prediction", "Driver_XP",
		"Ride_Priority", "Fare_Protection", "Year", "Month", "Day",
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, want, keys)

	assert.Equal(t, 2.0, payload["City"])
	assert.Equal(t, 10.0, payload["Available_Drivers"])
	assert.Equal(t, 0.7, payload["Traffic_Density"], "signal overrides the default")
	assert.Equal(t, 40.7128, payload["Latitude"], "signal never overrides the origin")
	assert.Equal(t, 2026, payload["Year"])
	assert.Equal(t, 3, payload["Month"])
	assert.Equal(t, 14, payload["Day"])
}

func TestHTTPPredictor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusInternalServerError, payload: `{"prediction": 3}`},
		{name: "malformed json", status: http.StatusOK, payload: `not json`},
		{name: "missing prediction", status: http.StatusOK, payload: `{"result": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := NewHTTPPredictor(srv.URL, srv.Client()).Factor(context.Background(), sampleFeatures())
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
		})
	}
}

func TestParseGeminiAnswer(t *testing.T) {
	v, err := parseGeminiAnswer("```json\n{\"adjustment_percent\": -15}\n```")
	require.NoError(t, err)
	assert.Equal(t, -15.0, v)

	_, err = parseGeminiAnswer(`{"percent": 3}`)
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, err = parseGeminiAnswer(`sorry, I cannot`)
	assert.True(t, errors.Is(err, ErrUnavailable))
}
