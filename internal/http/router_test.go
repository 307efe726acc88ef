package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httptransport "ridedispatch/internal/http"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/logging"
	"ridedispatch/internal/modules/adjustment"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/drivers"
	"ridedispatch/internal/modules/events"
	"ridedispatch/internal/modules/fare"
	"ridedispatch/internal/modules/ledger"
)

type stubTokenVerifier struct {
	tokens map[string]*infra.FirebaseToken
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if t, ok := s.tokens[raw]; ok {
		return t, nil
	}
	return nil, errors.New("unknown token")
}

func newTestAPI(t *testing.T, verifier infra.TokenVerifier, hub *events.Hub) http.Handler {
	t.Helper()
	guard := adjustment.NewGuard(adjustment.Static{Percent: 10}, adjustment.GuardConfig{Timeout: time.Second, FallbackPercent: 0}, logging.Discard())
	return newTestAPIWithAdjustment(t, verifier, hub, guard)
}

func newTestAPIWithAdjustment(t *testing.T, verifier infra.TokenVerifier, hub *events.Hub, adj dispatch.AdjustmentResolver) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	var pub events.Publisher = events.Nop{}
	if hub != nil {
		pub = hub
	}
	svc := dispatch.NewService(dispatch.Deps{
		Ledger: ledger.New(ledger.NewMemoryStore(), ledger.NewMemoryDedup(), ledger.Config{
			RequestTTL:  5 * time.Minute,
			DedupWindow: 30 * time.Second,
		}, log),
		Fare:       fare.NewCalculator(fare.DefaultTariff()),
		Adjustment: adj,
		Drivers:    drivers.NewMemoryDirectory(),
		Events:     pub,
	}, dispatch.Config{RadiusKm: 25}, log)
	return httptransport.NewRouter(httptransport.RouterDeps{Service: svc, Hub: hub, Verifier: verifier, Log: log})
}

func doRequest(h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func rideBody(rider string) map[string]any {
	return map[string]any{
		"rider_id":    rider,
		"origin":      map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"destination": "Indiranagar",
		"distance_km": 6.0,
	}
}

type rideResp struct {
	ID          string   `json:"id"`
	State       string   `json:"state"`
	QuotedPrice *float64 `json:"quoted_price"`
	ClaimedBy   *string  `json:"claimed_by"`
}

func decodeRide(t *testing.T, w *httptest.ResponseRecorder) rideResp {
	t.Helper()
	var quote struct {
		Ride rideResp `json:"ride"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	return quote.Ride
}

func TestRequestRide_CreatedThenDuplicate(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-1"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decodeRide(t, w)
	assert.Equal(t, "open", first.State)
	require.NotNil(t, first.QuotedPrice)
	assert.Equal(t, 81.0, *first.QuotedPrice, "(30 + 4*15) * 0.9")

	w = doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-1"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
	assert.Equal(t, first.ID, decodeRide(t, w).ID)
}

func TestRequestRide_BadInput(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	w := doRequest(api, http.MethodPost, "/api/rides", map[string]any{"rider_id": "r1"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := rideBody("rider-2")
	body["distance_km"] = -1
	w = doRequest(api, http.MethodPost, "/api/rides", body, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = rideBody("rider-2")
	delete(body, "distance_km")
	w = doRequest(api, http.MethodPost, "/api/rides", body, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "no route service to fill in the distance")
}

func TestAcceptFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-3"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	ride := decodeRide(t, w)

	w = doRequest(api, http.MethodGet, "/api/drivers/rides", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ride.ID)

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/accept", map[string]string{"driver_id": "driver-a"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/accept", map[string]string{"driver_id": "driver-b"}, "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_claimed")

	w = doRequest(api, http.MethodPost, "/api/rides/"+ride.ID+"/cancel", map[string]string{"rider_id": "rider-3"}, "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")

	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status rideResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "accepted", status.State)
	require.NotNil(t, status.ClaimedBy)
	assert.Equal(t, "driver-a", *status.ClaimedBy)

	w = doRequest(api, http.MethodGet, "/api/rides/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectAndCancel(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-4"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	ride := decodeRide(t, w)

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/reject", map[string]string{"driver_id": "driver-a"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)

	w = doRequest(api, http.MethodPost, "/api/rides/"+ride.ID+"/cancel", map[string]string{"rider_id": "rider-5"}, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(api, http.MethodPost, "/api/rides/"+ride.ID+"/cancel", map[string]string{"rider_id": "rider-4"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"cancelled"`)
}

func TestEstimateAndDistance(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	w := doRequest(api, http.MethodPost, "/api/rides/estimate", map[string]any{
		"origin":      map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"distance_km": 2,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"total":27`)

	w = doRequest(api, http.MethodPost, "/api/rides/distance", map[string]any{
		"origin":      map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"destination": "Airport",
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAvailabilityFiltersOpenList(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-6"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	ride := decodeRide(t, w)

	w = doRequest(api, http.MethodPut, "/api/drivers/driver-x/availability", map[string]any{"online": false}, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(api, http.MethodGet, "/api/drivers/rides?driver_id=driver-x", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), ride.ID)

	w = doRequest(api, http.MethodPut, "/api/drivers/driver-x/availability", map[string]any{
		"online":   true,
		"position": map[string]float64{"lat": 12.97, "lng": 77.60},
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(api, http.MethodGet, "/api/drivers/rides?driver_id=driver-x", nil, "")
	assert.Contains(t, w.Body.String(), ride.ID)

	w = doRequest(api, http.MethodPut, "/api/drivers/driver-x/availability", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthenticatedCallers(t *testing.T) {
	verifier := &stubTokenVerifier{tokens: map[string]*infra.FirebaseToken{
		"rider-token":   {UID: "rider-7", Claims: map[string]interface{}{}},
		"driver-token":  {UID: "driver-7", Claims: map[string]interface{}{"role": "driver"}},
		"other-token":   {UID: "rider-8", Claims: map[string]interface{}{}},
		"driver2-token": {UID: "driver-8", Claims: map[string]interface{}{"role": "driver"}},
	}}
	api := newTestAPI(t, verifier, nil)

	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-7"), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(api, http.MethodPost, "/api/rides", rideBody("someone-else"), "rider-token")
	assert.Equal(t, http.StatusForbidden, w.Code)

	body := rideBody("")
	w = doRequest(api, http.MethodPost, "/api/rides", body, "rider-token")
	require.Equal(t, http.StatusCreated, w.Code, "rider id defaults to the caller")
	ride := decodeRide(t, w)

	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "rider-token")
	assert.Equal(t, http.StatusOK, w.Code, "owner reads the ride")
	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "other-token")
	assert.Equal(t, http.StatusForbidden, w.Code, "another rider may not read it")
	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "driver2-token")
	assert.Equal(t, http.StatusOK, w.Code, "drivers see open rides")

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/accept", nil, "rider-token")
	assert.Equal(t, http.StatusForbidden, w.Code, "riders lack the driver role")

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/accept", map[string]string{"driver_id": "driver-8"}, "driver-token")
	assert.Equal(t, http.StatusForbidden, w.Code, "drivers act only as themselves")

	w = doRequest(api, http.MethodPost, "/api/drivers/rides/"+ride.ID+"/accept", nil, "driver-token")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"claimed_by":"driver-7"`)

	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "driver-token")
	assert.Equal(t, http.StatusOK, w.Code, "claiming driver")
	w = doRequest(api, http.MethodGet, "/api/rides/"+ride.ID, nil, "driver2-token")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type nanResolver struct{}

func (nanResolver) Resolve(context.Context, adjustment.Features) adjustment.Result {
	return adjustment.Result{FactorPercent: math.NaN(), Source: adjustment.SourceFallback}
}

func TestRequestRide_QuoteFailureIsServerError(t *testing.T) {
	api := newTestAPIWithAdjustment(t, nil, nil, nanResolver{})

	w := doRequest(api, http.MethodPost, "/api/rides", rideBody("rider-50"), "")
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"code":"quote_failed"`)

	w = doRequest(api, http.MethodGet, "/api/drivers/rides", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rides": []}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	w := doRequest(api, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(api, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ride_dispatch_http_requests_total")
}

func TestDriverFeed(t *testing.T) {
	hub := events.NewHub(logging.Discard())
	defer hub.Close()
	srv := httptest.NewServer(newTestAPI(t, nil, hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/drivers/feed?driver_id=driver-9"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	b, _ := json.Marshal(rideBody("rider-9"))
	resp, err := http.Post(srv.URL+"/api/rides", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.RideOpened, ev.Type)
}
