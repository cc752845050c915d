// Package server exposes the driver's progress over HTTP.
package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/driver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the status endpoints of one driver.
type Handler struct {
	driver *driver.Driver
	wake   chan<- struct{}
}

// NewHandler returns a handler for d. POST /rescan sends on wake.
func NewHandler(d *driver.Driver, wake chan<- struct{}) *Handler {
	return &Handler{driver: d, wake: wake}
}

// RegisterRoutes adds the handler's routes to e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/status", h.Status)
	e.POST("/rescan", h.Rescan)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// New returns an echo server with the handler's routes installed.
func New(d *driver.Driver, wake chan<- struct{}) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	NewHandler(d, wake).RegisterRoutes(e)
	return e
}

// Health reports that the process is up.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the driver's current status.
// GET /status
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.driver.Status())
}

// Rescan wakes a sleeping driver. It does not wait for the driver; if a
// cycle is already underway the request is dropped.
// POST /rescan
func (h *Handler) Rescan(c echo.Context) error {
	select {
	case h.wake <- struct{}{}:
		return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true, "queued": true})
	default:
		return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true, "queued": false})
	}
}
