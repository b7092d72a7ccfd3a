// Package client provides the outbound HTTP clients used to reach the backend.
package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

// Doer sends a single HTTP request. Both the direct client and the anti-bot
// client satisfy it, so the forwarder does not care which one it talks to.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New returns the client selected by upstream.client.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (Doer, error) {
	switch cfg.Upstream.Client {
	case config.ClientAntiBot:
		return NewAntiBot(cfg, logger, m)
	case config.ClientDirect, "":
		return NewDirect(cfg, logger, m)
	default:
		return nil, fmt.Errorf("unknown upstream client %q", cfg.Upstream.Client)
	}
}

// newHTTPClient wraps a transport with the shared timeout and redirect policy.
func newHTTPClient(cfg *config.Config, transport http.RoundTripper) *http.Client {
	c := &http.Client{
		Transport: transport,
		Timeout:   cfg.Upstream.Timeout(),
	}
	if !cfg.Upstream.FollowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			// Hand 3xx back to the caller untouched, Location included.
			return http.ErrUseLastResponse
		}
	}
	return c
}

func parseProxyURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy url: %w", err)
	}
	return u, nil
}

// do executes req on hc and records upstream metrics under the given client label.
func do(hc *http.Client, req *http.Request, logger *slog.Logger, m *metrics.Metrics, label string) (*http.Response, error) {
	logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"host", req.Host,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if m != nil {
			m.UpstreamDuration.WithLabelValues(method, label).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if m != nil {
		status := strconv.Itoa(resp.StatusCode)
		m.UpstreamDuration.WithLabelValues(method, label).Observe(duration)
		m.UpstreamResponses.WithLabelValues(method, status, label).Inc()
	}

	return resp, nil
}
