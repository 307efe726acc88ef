// README: Websocket feed of ride events for drivers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/modules/events"
	"ridedispatch/internal/types"
)

type FeedHandler struct {
	hub *events.Hub
	log *logrus.Entry
}

func NewFeedHandler(hub *events.Hub, log *logrus.Entry) *FeedHandler {
	return &FeedHandler{hub: hub, log: log}
}

func (h *FeedHandler) Subscribe(c *gin.Context) {
	driverID, ok := resolveActor(c, c.Query("driver_id"))
	if !ok {
		writeError(c, http.StatusForbidden, "driver_id does not match caller")
		return
	}
	if !isValidID(driverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return
	}
	// The upgrader writes its own error response.
	if err := h.hub.ServeWS(c.Writer, c.Request, types.ID(driverID)); err != nil {
		h.log.WithError(err).WithField("driver_id", driverID).Debug("feed upgrade failed")
	}
}
