// Package handler implements the admin HTTP endpoints.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/scope"
	"rewrite-proxy-go/internal/service"
)

// RewriteHandler previews how the pipeline routes a URL without sending anything.
type RewriteHandler struct {
	pipeline *service.Pipeline
	logger   *slog.Logger
}

// NewRewriteHandler creates a RewriteHandler.
func NewRewriteHandler(p *service.Pipeline, logger *slog.Logger) *RewriteHandler {
	return &RewriteHandler{
		pipeline: p,
		logger:   logger.With("component", "rewrite_handler"),
	}
}

type rewritePreview struct {
	InScope      bool   `json:"in_scope"`
	OriginalHost string `json:"original_host"`
	URL          string `json:"url,omitempty"`
	HostHeader   string `json:"host_header,omitempty"`
}

// Preview handles GET /proxy/rewrite?url=...
func (h *RewriteHandler) Preview(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "url query parameter is required",
		})
	}
	u, err := url.Parse(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "url is not valid",
		})
	}

	d, err := h.pipeline.Decide(&model.InterceptedRequest{
		Ctx:    c.Request().Context(),
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{},
	})
	if err != nil {
		return h.mapError(c, err)
	}

	out := rewritePreview{InScope: d.InScope, OriginalHost: d.OriginalHost}
	if d.InScope {
		out.URL = d.URL.Redacted()
		out.HostHeader = d.Header.Get("Host")
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RewriteHandler) mapError(c echo.Context, err error) error {
	h.logger.Debug("rewrite preview failed", "err", err)

	var matchErr *scope.MatchError
	if errors.As(err, &matchErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "url has no hostname",
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "rewrite failed",
	})
}
