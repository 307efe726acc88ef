// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/http/handlers"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/events"
)

// RouterDeps wires the API. Hub and Verifier are optional.
type RouterDeps struct {
	Service  *dispatch.Service
	Hub      *events.Hub
	Verifier infra.TokenVerifier
	Log      *logrus.Entry
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Metrics(), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(d.Verifier))

	rides := handlers.NewRideHandler(d.Service)
	api.POST("/rides", rides.Request)
	api.POST("/rides/estimate", rides.Estimate)
	api.POST("/rides/distance", rides.Distance)
	api.GET("/rides/:id", rides.Status)
	api.POST("/rides/:id/cancel", rides.Cancel)

	drv := api.Group("/drivers", middleware.RequireRole(middleware.RoleDriver))
	driverHandler := handlers.NewDriverHandler(d.Service)
	drv.GET("/rides", driverHandler.ListOpen)
	drv.POST("/rides/:id/accept", driverHandler.Accept)
	drv.POST("/rides/:id/reject", driverHandler.Reject)
	drv.PUT("/:id/availability", driverHandler.SetAvailability)

	if d.Hub != nil {
		feed := handlers.NewFeedHandler(d.Hub, d.Log)
		drv.GET("/feed", feed.Subscribe)
	}
	return r
}
