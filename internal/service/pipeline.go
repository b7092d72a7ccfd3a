package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/relay"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/scope"
)

// errorPrefix starts the body of every failure response.
const errorPrefix = "Proxy error: "

// Pipeline runs one intercepted request through matcher, rewriter, forwarder and relay.
type Pipeline struct {
	matcher    *scope.Matcher
	backend    rewrite.Backend
	forwarder  *Forwarder
	outOfScope string
	stats      *Stats
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline from the scope and backend configuration.
// The metrics parameter is optional.
func NewPipeline(cfg *config.Config, fwd *Forwarder, stats *Stats, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	backend, err := rewrite.ParseBackend(cfg.Backend.Address)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Pipeline{
		matcher:    scope.NewMatcher(cfg.Scope.Domain, cfg.Scope.IgnoreHosts),
		backend:    backend,
		forwarder:  fwd,
		outOfScope: cfg.Scope.OutOfScope,
		stats:      stats,
		metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// Decide matches req against the scope and rewrites it when it is in scope.
func (p *Pipeline) Decide(req *model.InterceptedRequest) (*model.RewriteDecision, error) {
	inScope, err := p.matcher.Match(req.URL)
	if err != nil {
		return nil, err
	}
	if !inScope {
		return &model.RewriteDecision{OriginalHost: req.URL.Hostname()}, nil
	}
	return rewrite.Rewrite(req, p.backend)
}

// InScope reports whether requests to host (optionally host:port) are rewritten.
// Hosts that cannot be parsed are reported as in scope so they still reach
// Handle and fail there.
func (p *Pipeline) InScope(host string) bool {
	ok, err := p.matcher.Match(&url.URL{Host: host})
	return ok || err != nil
}

// Fail records err against req and returns the 500 response for it.
func (p *Pipeline) Fail(req *model.InterceptedRequest, err error) *model.RelayedResponse {
	return p.fail(req, err)
}

// Handle returns the response to send to the client, or nil when the request
// should continue to its original destination. Every failure is turned into a
// 500 plain-text response.
func (p *Pipeline) Handle(req *model.InterceptedRequest) *model.RelayedResponse {
	start := time.Now()

	d, err := p.Decide(req)
	if err != nil {
		return p.fail(req, err)
	}
	if !d.InScope {
		return p.skip(req)
	}

	up, err := p.forwarder.Forward(req.Context(), d, req.Method, req.Body)
	if err != nil {
		return p.fail(req, err)
	}

	out, err := relay.Relay(up)
	if err != nil {
		return p.fail(req, err)
	}

	p.stats.Rewritten.Inc()
	if p.metrics != nil {
		p.metrics.PipelineDecisions.WithLabelValues(metrics.DecisionRewritten).Inc()
		p.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Info("request rewritten",
		"id", req.ID.String(),
		"method", req.Method,
		"host", d.OriginalHost,
		"backend", d.URL.Redacted(),
		"status", out.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// skip applies the out-of-scope policy.
func (p *Pipeline) skip(req *model.InterceptedRequest) *model.RelayedResponse {
	if p.outOfScope == config.OutOfScopeDrop {
		p.stats.Dropped.Inc()
		p.record(metrics.DecisionDropped)
		p.logger.Debug("request dropped", "id", req.ID.String(), "host", req.URL.Hostname())
		return &model.RelayedResponse{
			StatusCode: http.StatusBadGateway,
			Header:     http.Header{},
			Body:       []byte{},
		}
	}
	p.stats.PassedThrough.Inc()
	p.record(metrics.DecisionPassthrough)
	return nil
}

func (p *Pipeline) fail(req *model.InterceptedRequest, err error) *model.RelayedResponse {
	kind := errorKind(err)
	p.stats.Failed.Inc()
	p.record(metrics.DecisionFailed)
	if p.metrics != nil {
		p.metrics.PipelineErrors.WithLabelValues(kind).Inc()
	}

	attrs := []any{"id", req.ID.String(), "method", req.Method, "kind", kind, "error", err}
	if req.URL != nil {
		attrs = append(attrs, "host", req.URL.Hostname())
	}
	p.logger.Warn("request failed", attrs...)

	return &model.RelayedResponse{
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(errorPrefix + err.Error()),
	}
}

func (p *Pipeline) record(decision string) {
	if p.metrics != nil {
		p.metrics.PipelineDecisions.WithLabelValues(decision).Inc()
	}
}

// errorKind returns the metrics label for err.
func errorKind(err error) string {
	var (
		upErr    *UpstreamError
		matchErr *scope.MatchError
		relayErr *relay.RelayError
	)
	switch {
	case errors.As(err, &upErr):
		return string(upErr.Kind)
	case errors.As(err, &matchErr):
		return "match"
	case errors.As(err, &relayErr):
		return "relay"
	default:
		return "internal"
	}
}
