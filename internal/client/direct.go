package client

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

// Direct sends requests to the backend with a pooled net/http transport.
type Direct struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewDirect creates a Direct client with connection pooling and timeouts.
func NewDirect(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Direct, error) {
	proxyURL, err := parseProxyURL(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Keep the backend's Content-Encoding intact; the forwarder decodes it.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS, //nolint:gosec // backends are commonly addressed by IP
		},
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Direct{
		httpClient: newHTTPClient(cfg, transport),
		logger:     logger.With("component", "direct_client"),
		metrics:    m,
	}, nil
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body.
func (c *Direct) Do(req *http.Request) (*http.Response, error) {
	return do(c.httpClient, req, c.logger, c.metrics, "direct")
}
