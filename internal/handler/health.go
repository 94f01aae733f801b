package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tlu-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the gateway's own endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes. It never
// touches the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UpstreamURL      string `json:"upstream_url"`
	VerifyTLS        bool   `json:"verify_tls"`
	MaxRetries       int    `json:"max_retries"`
	DowngradeEnabled bool   `json:"downgrade_enabled"`
}

// Status reports the version and the upstream settings in effect.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          string(h.version),
		UpstreamURL:      h.cfg.Upstream.BaseURL,
		VerifyTLS:        h.cfg.Upstream.VerifyTLS,
		MaxRetries:       h.cfg.Upstream.Retry.MaxRetries,
		DowngradeEnabled: !h.cfg.Upstream.Retry.DisableDowngrade,
	})
}
