package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the admin API onto the Echo instance.
func RegisterRoutes(e *echo.Echo, health *HealthHandler, exchanges *ExchangeHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/health_check", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/exchanges", exchanges.List)
	e.GET("/exchanges/:id", exchanges.Get)
}
