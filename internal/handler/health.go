package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"opencloud-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// StatusResponse describes the running gateway. It never includes secrets.
type StatusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	UpstreamURL       string `json:"upstream_url"`
	AllowListEnforced bool   `json:"allowlist_enforced"`
	AllowedHosts      int    `json:"allowed_hosts"`
	OverrideStatus    bool   `json:"override_status"`
	AppendHead        bool   `json:"append_head"`
	RewriteEncoding   bool   `json:"rewrite_accept_encoding"`
	GzipMethod        string `json:"gzip_method"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:            "ok",
		Version:           string(h.version),
		UpstreamURL:       h.cfg.Upstream.BaseURL,
		AllowListEnforced: h.cfg.AllowList.Enabled,
		AllowedHosts:      len(h.cfg.AllowList.Hosts),
		OverrideStatus:    h.cfg.Rewrite.OverrideStatus,
		AppendHead:        h.cfg.Rewrite.AppendHead,
		RewriteEncoding:   h.cfg.Rewrite.RewriteAcceptEncoding,
		GzipMethod:        h.cfg.Rewrite.GzipMethod,
	})
}
