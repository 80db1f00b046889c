// Package v1 is the HTTP management surface: CRUD for instances, platforms,
// rules and fixed listeners, read-only views over messages and accounting
// records, and the health/metrics endpoints. Every mutation publishes a
// reload event so the pipeline caches converge without a restart.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/platforms"
	"github.com/hrygo/wxbridge/server/service/monitor"
	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

// APIV1Service aggregates the collaborators the management handlers need.
type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Bus      *reload.Bus
	Registry *platforms.Registry
	Monitor  *monitor.Monitor
	Metrics  *prometheus.Registry
}

func NewAPIV1Service(p *profile.Profile, s *store.Store, bus *reload.Bus, registry *platforms.Registry, mon *monitor.Monitor, metrics *prometheus.Registry) *APIV1Service {
	return &APIV1Service{
		Profile:  p,
		Store:    s,
		Bus:      bus,
		Registry: registry,
		Monitor:  mon,
		Metrics:  metrics,
	}
}

// Register wires all management routes onto the echo instance.
func (s *APIV1Service) Register(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.GET("/instances", s.listInstances)
	g.POST("/instances", s.createInstance)
	g.GET("/instances/:id", s.getInstance)
	g.PATCH("/instances/:id", s.updateInstance)
	g.DELETE("/instances/:id", s.deleteInstance)

	g.GET("/platforms", s.listPlatforms)
	g.POST("/platforms", s.createPlatform)
	g.GET("/platforms/:id", s.getPlatform)
	g.PATCH("/platforms/:id", s.updatePlatform)
	g.DELETE("/platforms/:id", s.deletePlatform)
	g.POST("/platforms/:id/test", s.testPlatform)

	g.GET("/rules", s.listRules)
	g.POST("/rules", s.createRule)
	g.GET("/rules/:id", s.getRule)
	g.PATCH("/rules/:id", s.updateRule)
	g.DELETE("/rules/:id", s.deleteRule)

	g.GET("/fixed-listeners", s.listFixedListeners)
	g.POST("/fixed-listeners", s.createFixedListener)
	g.PATCH("/fixed-listeners/:id", s.updateFixedListener)
	g.DELETE("/fixed-listeners/:id", s.deleteFixedListener)

	g.GET("/listeners", s.listListeners)
	g.GET("/messages", s.listMessages)
	g.GET("/accounting", s.listAccountingRecords)
	g.GET("/status", s.getStatus)

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})))
}

// httpError maps a classified error onto an HTTP status. Store failures stay
// 500; config errors surface as 400 so callers can fix the payload.
func httpError(err error) *echo.HTTPError {
	var appErr *apperr.Error
	status := http.StatusInternalServerError
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindConfig:
			status = http.StatusBadRequest
		case apperr.KindAuth:
			status = http.StatusUnauthorized
		case apperr.KindOverload:
			status = http.StatusTooManyRequests
		case apperr.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	return echo.NewHTTPError(status, err.Error())
}

func notFound(entity, id string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, entity+" "+id+" not found")
}
