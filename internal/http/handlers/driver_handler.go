// README: Driver handlers for the open-ride list, accept, reject and availability.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/ledger"
	"ridedispatch/internal/types"
)

type DriverHandler struct {
	svc *dispatch.Service
}

func NewDriverHandler(svc *dispatch.Service) *DriverHandler {
	return &DriverHandler{svc: svc}
}

func (h *DriverHandler) ListOpen(c *gin.Context) {
	driverID, ok := resolveActor(c, c.Query("driver_id"))
	if !ok {
		writeError(c, http.StatusForbidden, "driver_id does not match caller")
		return
	}
	rides, err := h.svc.ListOpenForDrivers(c.Request.Context(), types.ID(driverID))
	if err != nil {
		writeRideError(c, err)
		return
	}
	if rides == nil {
		rides = []*ledger.RideRequest{}
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

type driverActionReq struct {
	DriverID string `json:"driver_id"`
}

// actionTarget resolves the ride id and acting driver for accept and reject.
func actionTarget(c *gin.Context) (types.ID, types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return "", "", false
	}
	var req driverActionReq
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return "", "", false
	}
	driverID, ok := resolveActor(c, req.DriverID)
	if !ok {
		writeError(c, http.StatusForbidden, "driver_id does not match caller")
		return "", "", false
	}
	if !isValidID(driverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return "", "", false
	}
	return types.ID(id), types.ID(driverID), true
}

func (h *DriverHandler) Accept(c *gin.Context) {
	rideID, driverID, ok := actionTarget(c)
	if !ok {
		return
	}
	ride, err := h.svc.DriverAccept(c.Request.Context(), rideID, driverID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ride)
}

func (h *DriverHandler) Reject(c *gin.Context) {
	rideID, driverID, ok := actionTarget(c)
	if !ok {
		return
	}
	ride, err := h.svc.DriverReject(c.Request.Context(), rideID, driverID)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ride)
}

type availabilityReq struct {
	Online   *bool        `json:"online"`
	Position *types.Point `json:"position"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	if _, ok := resolveActor(c, id); !ok {
		writeError(c, http.StatusForbidden, "driver id does not match caller")
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	d, err := h.svc.SetDriverAvailability(c.Request.Context(), types.ID(id), *req.Online, req.Position)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}
