// README: Rider handlers for requesting, estimating, inspecting and cancelling rides.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/types"
)

type RideHandler struct {
	svc *dispatch.Service
}

func NewRideHandler(svc *dispatch.Service) *RideHandler {
	return &RideHandler{svc: svc}
}

type requestRideReq struct {
	RiderID          string             `json:"rider_id"`
	Origin           *types.Point       `json:"origin"`
	Destination      string             `json:"destination"`
	DestinationPoint *types.Point       `json:"destination_point"`
	DistanceKm       *float64           `json:"distance_km"`
	Signals          map[string]float64 `json:"signals"`
}

func (h *RideHandler) Request(c *gin.Context) {
	var req requestRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	riderID, ok := resolveActor(c, req.RiderID)
	if !ok {
		writeError(c, http.StatusForbidden, "rider_id does not match caller")
		return
	}
	if !isValidID(riderID) || req.Origin == nil || req.Destination == "" {
		writeError(c, http.StatusBadRequest, "rider_id, origin and destination are required")
		return
	}

	var distance float64
	if req.DistanceKm != nil {
		distance = *req.DistanceKm
	} else {
		route, err := h.svc.Distance(c.Request.Context(), *req.Origin, req.Destination)
		if errors.Is(err, dispatch.ErrRoutingUnavailable) {
			writeError(c, http.StatusBadRequest, "distance_km is required")
			return
		}
		if err != nil {
			writeRideError(c, err)
			return
		}
		distance = route.DistanceKm
	}

	quote, err := h.svc.RequestRide(c.Request.Context(), dispatch.RideCommand{
		RiderID:          types.ID(riderID),
		Origin:           *req.Origin,
		DestinationLabel: req.Destination,
		Destination:      req.DestinationPoint,
		DistanceKm:       distance,
		Signals:          req.Signals,
	})
	if errors.Is(err, ledger.ErrDuplicateRequest) {
		writeJSON(c, http.StatusOK, gin.H{"ride": quote.Ride, "duplicate": true})
		return
	}
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, quote)
}

type estimateReq struct {
	Origin     *types.Point       `json:"origin"`
	DistanceKm *float64           `json:"distance_km"`
	Signals    map[string]float64 `json:"signals"`
}

func (h *RideHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Origin == nil || req.DistanceKm == nil {
		writeError(c, http.StatusBadRequest, "origin and distance_km are required")
		return
	}
	est, err := h.svc.Estimate(c.Request.Context(), dispatch.EstimateCommand{
		Origin:     *req.Origin,
		DistanceKm: *req.DistanceKm,
		Signals:    req.Signals,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, est)
}

type distanceReq struct {
	Origin      *types.Point `json:"origin"`
	Destination string       `json:"destination"`
}

func (h *RideHandler) Distance(c *gin.Context) {
	var req distanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Origin == nil {
		writeError(c, http.StatusBadRequest, "origin is required")
		return
	}
	route, err := h.svc.Distance(c.Request.Context(), *req.Origin, req.Destination)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"distance_km":      route.DistanceKm,
		"duration_seconds": int64(route.Duration.Seconds()),
		"summary":          route.Summary,
	})
}

func (h *RideHandler) Status(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var viewer dispatch.Viewer
	if middleware.Authenticated(c) {
		viewer = dispatch.Viewer{
			ID:     types.ID(middleware.CallerUID(c)),
			Driver: middleware.CallerRole(c) == middleware.RoleDriver,
		}
	}
	ride, err := h.svc.RideStatus(c.Request.Context(), types.ID(id), viewer)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ride)
}

type cancelReq struct {
	RiderID string `json:"rider_id"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req cancelReq
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	riderID, ok := resolveActor(c, req.RiderID)
	if !ok {
		writeError(c, http.StatusForbidden, "rider_id does not match caller")
		return
	}
	ride, err := h.svc.CancelRide(c.Request.Context(), types.ID(id), types.ID(riderID))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ride)
}
