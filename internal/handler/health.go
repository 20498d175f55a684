package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"endpoint-logger/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// SessionID identifies the current process run on every record it writes.
type SessionID string

// ProxyStats reports live proxy load.
type ProxyStats interface {
	InFlight() int64
	Connections() int
}

// RecordCounter reports how many exchanges are stored.
type RecordCounter interface {
	Count(ctx context.Context) (int64, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	session SessionID
	proxy   ProxyStats
	store   RecordCounter
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, sid SessionID, proxy ProxyStats, store RecordCounter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		version: v,
		session: sid,
		proxy:   proxy,
		store:   store,
		logger:  logger.With("component", "admin"),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	SessionID       string `json:"session_id"`
	ListenAddress   string `json:"listen_address"`
	Backend         string `json:"backend"`
	InFlight        int64  `json:"in_flight"`
	Connections     int    `json:"connections"`
	StoredExchanges int64  `json:"stored_exchanges"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	count, err := h.store.Count(c.Request().Context())
	if err != nil {
		h.logger.Error("count stored exchanges", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "exchange store unavailable",
		})
	}

	resp := statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		SessionID:       string(h.session),
		ListenAddress:   h.cfg.Proxy.ListenAddress,
		InFlight:        h.proxy.InFlight(),
		Connections:     h.proxy.Connections(),
		StoredExchanges: count,
	}
	if b := h.cfg.Proxy.Backend(); b != nil {
		resp.Backend = b.String()
	}
	return c.JSON(http.StatusOK, resp)
}
