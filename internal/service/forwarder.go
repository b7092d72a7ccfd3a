// Package service implements the request pipeline: routing, forwarding and relaying.
package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
)

// ErrorKind classifies upstream failures for logs and metrics.
type ErrorKind string

// Upstream error kinds.
const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindTLSFailure        ErrorKind = "tls_failure"
	KindProtocolError     ErrorKind = "protocol_error"
)

// UpstreamError is returned by Forward when the backend call fails.
type UpstreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// bodyMethods are the only methods whose request body is sent to the backend.
var bodyMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder performs the single outbound call of a rewritten request.
type Forwarder struct {
	client  client.Doer
	cfg     *config.Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder. When upstream.rate_limit is enabled, every
// outbound call waits for a token first.
func NewForwarder(c client.Doer, cfg *config.Config, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "forwarder"),
	}
	if rl := cfg.Upstream.RateLimit; rl.Enabled {
		f.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
	}
	return f
}

// Forward sends the rewritten request to the backend and reads the whole response.
// The body is attached only for POST, PUT and PATCH. The response body is decoded
// according to its Content-Encoding; both the raw and the decoded body are
// bounded by upstream.body_max_bytes. There are no retries.
func (f *Forwarder) Forward(ctx context.Context, d *model.RewriteDecision, method string, body []byte) (*model.UpstreamResponse, error) {
	if d == nil || !d.InScope || d.URL == nil {
		return nil, errors.New("forward: request was not rewritten")
	}

	if timeout := f.cfg.Upstream.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &UpstreamError{Kind: KindTimeout, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	var reqBody io.Reader
	if lo.Contains(bodyMethods, strings.ToUpper(method)) {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.URL.String(), reqBody)
	if err != nil {
		return nil, &UpstreamError{Kind: KindProtocolError, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header = outboundHeader(d.Header)
	if host := d.Header.Get("Host"); host != "" {
		req.Host = host
	}

	f.logger.Debug("forwarding request",
		"method", method,
		"url", req.URL.Redacted(),
		"host", req.Host,
	)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: classify(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := f.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	var rest string
	if len(raw) > 0 {
		encoding := strings.Join(resp.Header.Values("Content-Encoding"), ",")
		raw, rest, err = client.DecodeBody(encoding, raw, f.cfg.Upstream.BodyMaxBytes)
		if err != nil {
			return nil, &UpstreamError{Kind: KindProtocolError, Err: err}
		}
		if rest != "" {
			f.logger.Debug("relaying body with undecoded content encoding", "encoding", rest)
		}
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
		Encoding:   rest,
	}, nil
}

func (f *Forwarder) readBody(r io.Reader) ([]byte, error) {
	limit := f.cfg.Upstream.BodyMaxBytes
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &UpstreamError{Kind: classify(err), Err: fmt.Errorf("read body: %w", err)}
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, &UpstreamError{Kind: KindProtocolError, Err: fmt.Errorf("response body exceeds %d bytes", limit)}
	}
	return raw, nil
}

// outboundHeader copies h without Host, hop-by-hop headers and any header
// named in Connection.
func outboundHeader(h http.Header) http.Header {
	drop := make(map[string]bool, len(hopByHopHeaders)+1)
	drop["Host"] = true
	for _, key := range hopByHopHeaders {
		drop[key] = true
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	out := make(http.Header, len(h))
	for key, vals := range h {
		if drop[http.CanonicalHeaderKey(key)] {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}

// classify maps a transport error to an ErrorKind.
func classify(err error) ErrorKind {
	var (
		netErr       net.Error
		dnsErr       *net.DNSError
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, client.ErrTLSHandshake),
		errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return KindTLSFailure
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.As(err, &dnsErr):
		return KindConnectionRefused
	default:
		return KindProtocolError
	}
}
