package handler

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// CertSource provides the root CA that intercepting clients must trust.
type CertSource interface {
	CACertificate() *x509.Certificate
}

// HealthHandler serves health, status and CA endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	stats   *service.Stats
	ca      CertSource
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, stats *service.Stats, ca CertSource) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, stats: stats, ca: ca}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy configuration and traffic counters.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"listen_addr":     h.cfg.Proxy.Addr,
		"scope_domain":    h.cfg.Scope.Domain,
		"backend":         h.cfg.Backend.Address,
		"out_of_scope":    h.cfg.Scope.OutOfScope,
		"upstream_client": h.cfg.Upstream.Client,
		"requests":        h.stats.Snapshot(),
	})
}

// CACert serves the interception root certificate in PEM form.
func (h *HealthHandler) CACert(c echo.Context) error {
	if h.ca == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "interceptor not ready")
	}
	cert := h.ca.CACertificate()
	if cert == nil || len(cert.Raw) == 0 {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "interceptor not ready")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="rewrite-proxy-ca.pem"`)
	return c.Blob(http.StatusOK, "application/x-pem-file", pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))
}
