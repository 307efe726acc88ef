// README: HTTP client for an external fare-prediction model (POST features, read {"prediction"}).
package adjustment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPredictor calls a prediction service that answers {"prediction": <percent>}.
type HTTPPredictor struct {
	url    string
	client *http.Client
}

func NewHTTPPredictor(url string, client *http.Client) *HTTPPredictor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPredictor{url: url, client: client}
}

type predictResponse struct {
	Prediction *float64 `json:"prediction"`
}

// defaultPredictFeatures is the model's full input vector. Columns the request cannot
// derive keep these values unless a signal overrides them.
var defaultPredictFeatures = map[string]float64{
	"City":                     2,
	"Ride_Type":                1,
	"Weather":                  0,
	"Event":                    0,
	"Payment_Type":             1,
	"Available_Drivers":        10,
	"User_Booking_Count":       1,
	"Traffic_Density":          0.5,
	"Previous_Surge":           1.0,
	"Fare_Acceptance":          0.8,
	"Demand_Level":             1.0,
	"Surge_Multiplier":         1.0,
	"Final_Fare":               10.0,
	"Real_Time_Demand":         1.0,
	"Driver_Performance_Score": 4.0,
	"Smart_Timeout":            30.0,
	"AI_Demand_Prediction":     1.0,
	"Driver_XP":                2.0,
	"Ride_Priority":            0,
	"Fare_Protection":          0,
}

// predictPayload flattens Features into the column names the model was trained on.
// Signals override defaults but never the values taken from the request itself.
func predictPayload(f Features) map[string]interface{} {
	payload := make(map[string]interface{}, len(defaultPredictFeatures)+9+len(f.Signals))
	for k, v := range defaultPredictFeatures {
		payload[k] = v
	}
	for k, v := range f.Signals {
		payload[k] = v
	}

	payload["Latitude"] = f.Origin.Lat
	payload["Longitude"] = f.Origin.Lng
	payload["Ride_Distance_KM"] = f.DistanceKm
	payload["Day_of_Week"] = f.DayOfWeek
	payload["Hour_of_Day"] = f.HourOfDay
	payload["Is_Weekend"] = boolToInt(f.IsWeekend)
	payload["Year"] = f.RequestedAt.Year()
	payload["Month"] = int(f.RequestedAt.Month())
	payload["Day"] = f.RequestedAt.Day()
	return payload
}

func (p *HTTPPredictor) Factor(ctx context.Context, f Features) (float64, error) {
	body, err := json.Marshal(predictPayload(f))
	if err != nil {
		return 0, fmt.Errorf("predictor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("predictor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: predictor: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("%w: predictor: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: predictor: status %d", ErrUnavailable, resp.StatusCode)
	}

	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return 0, fmt.Errorf("%w: predictor: unmarshal response: %v", ErrUnavailable, err)
	}
	if pr.Prediction == nil {
		return 0, fmt.Errorf("%w: predictor: response has no prediction (raw: %s)", ErrUnavailable, raw)
	}
	return *pr.Prediction, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
