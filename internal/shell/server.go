package shell

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lqqyt2423/go-mitmproxy/proxy"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/service"
)

// Server is the intercepting proxy listener.
type Server struct {
	proxy  *proxy.Proxy
	addr   string
	logger *slog.Logger
}

// NewServer creates the MITM engine and installs the pipeline addon.
// With the passthrough policy only in-scope hosts are decrypted; other TLS
// tunnels are relayed as opaque bytes.
func NewServer(cfg *config.Config, addon *Addon, pipeline *service.Pipeline, logger *slog.Logger) (*Server, error) {
	bridgeLogs(logger, cfg.Log.Level)

	p, err := proxy.NewProxy(&proxy.Options{
		Addr:              cfg.Proxy.Addr,
		StreamLargeBodies: cfg.Proxy.StreamLargeBodies,
		SslInsecure:       cfg.Proxy.SslInsecure,
		CaRootPath:        cfg.Proxy.CaRootPath,
		Upstream:          cfg.Upstream.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create interceptor: %w", err)
	}

	// The backend usually cannot present a certificate for the original host,
	// so leaf certificates are minted from the client's SNI alone.
	p.AddAddon(proxy.NewUpstreamCertAddon(false))
	p.AddAddon(addon)

	if cfg.Scope.OutOfScope != config.OutOfScopeDrop {
		p.SetShouldInterceptRule(func(req *http.Request) bool {
			return pipeline.InScope(req.Host)
		})
	}

	return &Server{
		proxy:  p,
		addr:   cfg.Proxy.Addr,
		logger: logger.With("component", "interceptor"),
	}, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// CACertificate returns the root certificate clients must trust.
func (s *Server) CACertificate() *x509.Certificate {
	cert := s.proxy.GetCertificate()
	return &cert
}

// Start listens and serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("interceptor listening", "addr", s.addr)
	if err := s.proxy.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("interceptor: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.proxy.Shutdown(ctx)
}
