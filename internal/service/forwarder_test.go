package service

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(backend string) *config.Config {
	return &config.Config{
		Scope:   config.ScopeConfig{Domain: "volleystation.com", OutOfScope: config.OutOfScopePassthrough},
		Backend: config.BackendConfig{Address: backend},
		Upstream: config.UpstreamConfig{
			Client:          config.ClientDirect,
			Fingerprint:     "chrome",
			TimeoutSeconds:  10,
			IdleConnections: 10,
			BodyMaxBytes:    1024 * 1024,
		},
	}
}

func newTestForwarder(t *testing.T, cfg *config.Config) *Forwarder {
	t.Helper()
	c, err := client.NewDirect(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}
	return NewForwarder(c, cfg, discardLogger())
}

func decisionFor(t *testing.T, rawURL, host string) *model.RewriteDecision {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", rawURL, err)
	}
	return &model.RewriteDecision{
		InScope:      true,
		OriginalHost: host,
		URL:          u,
		Header:       http.Header{"Host": {host}},
	}
}

func TestForward_BodyPolicy(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, ""},
		{http.MethodDelete, ""},
		{http.MethodHead, ""},
		{http.MethodPost, "x=1"},
		{http.MethodPut, "x=1"},
		{http.MethodPatch, "x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			gotBody = nil
			_, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/form", "app.volleystation.com"), tt.method, []byte("x=1"))
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			if string(gotBody) != tt.want {
				t.Errorf("backend saw body %q, want %q", gotBody, tt.want)
			}
		})
	}
}

func TestForward_HostAndHeaders(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	d := decisionFor(t, srv.URL+"/login", "app.volleystation.com")
	d.Header.Set("Cookie", "session=abc")
	d.Header.Set("Connection", "keep-alive, X-Hop")
	d.Header.Set("X-Hop", "1")
	d.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	d.Header.Set("Upgrade", "websocket")

	resp, err := f.Forward(context.Background(), d, http.MethodGet, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	if got.Host != "app.volleystation.com" {
		t.Errorf("backend saw Host = %q, want %q", got.Host, "app.volleystation.com")
	}
	if got.Header.Get("Cookie") != "session=abc" {
		t.Errorf("Cookie = %q, want %q", got.Header.Get("Cookie"), "session=abc")
	}
	for _, key := range []string{"X-Hop", "Proxy-Authorization", "Upgrade"} {
		if v := got.Header.Get(key); v != "" {
			t.Errorf("%s = %q, want stripped", key, v)
		}
	}
}

func TestForward_DecodesBody(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("<html>ok</html>"))
	_ = zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	resp, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if string(resp.Body) != "<html>ok</html>" {
		t.Errorf("Body = %q, want %q", resp.Body, "<html>ok</html>")
	}
}

func TestForward_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("definitely not gzip"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	_, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if upErr.Kind != KindProtocolError {
		t.Errorf("Kind = %q, want %q", upErr.Kind, KindProtocolError)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer srv.Close()

	cfg := testConfig(srv.Listener.Addr().String())
	cfg.Upstream.BodyMaxBytes = 1024
	f := newTestForwarder(t, cfg)

	_, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Kind != KindProtocolError {
		t.Fatalf("Forward() error = %v, want protocol_error", err)
	}
}

func TestForward_DecodedBodyTooLarge(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(bytes.Repeat([]byte{0}, 8<<20))
	_ = zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	cfg := testConfig(srv.Listener.Addr().String())
	cfg.Upstream.BodyMaxBytes = 64 << 10
	if int64(buf.Len()) >= cfg.Upstream.BodyMaxBytes {
		t.Fatalf("compressed size %d must fit under the cap", buf.Len())
	}
	f := newTestForwarder(t, cfg)

	_, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Kind != KindProtocolError {
		t.Fatalf("Forward() error = %v, want protocol_error", err)
	}
	if !errors.Is(err, client.ErrBodyTooLarge) {
		t.Errorf("Forward() error = %v, want ErrBodyTooLarge in chain", err)
	}
}

func TestForward_UnknownEncodingKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "x-custom")
		_, _ = w.Write([]byte("opaque"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	resp, err := f.Forward(context.Background(), decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if string(resp.Body) != "opaque" {
		t.Errorf("Body = %q, want %q", resp.Body, "opaque")
	}
	if resp.Encoding != "x-custom" {
		t.Errorf("Encoding = %q, want %q", resp.Encoding, "x-custom")
	}
}

func TestForward_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(srv.Listener.Addr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Forward(ctx, decisionFor(t, srv.URL+"/", "app.volleystation.com"), http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if upErr.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", upErr.Kind, KindTimeout)
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	f := newTestForwarder(t, testConfig("127.0.0.1:1"))

	_, err := f.Forward(context.Background(), decisionFor(t, "http://127.0.0.1:1/", "app.volleystation.com"), http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if upErr.Kind != KindConnectionRefused {
		t.Errorf("Kind = %q, want %q", upErr.Kind, KindConnectionRefused)
	}
}

func TestForward_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.Listener.Addr().String())
	cfg.Upstream.TimeoutSeconds = 1
	cfg.Upstream.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	f := newTestForwarder(t, cfg)

	d := decisionFor(t, srv.URL+"/", "app.volleystation.com")
	if _, err := f.Forward(context.Background(), d, http.MethodGet, nil); err != nil {
		t.Fatalf("first Forward() error = %v", err)
	}

	_, err := f.Forward(context.Background(), d, http.MethodGet, nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Kind != KindTimeout {
		t.Fatalf("second Forward() error = %v, want timeout", err)
	}
}

func TestForward_NotRewritten(t *testing.T) {
	f := newTestForwarder(t, testConfig("127.0.0.1:1"))
	if _, err := f.Forward(context.Background(), &model.RewriteDecision{}, http.MethodGet, nil); err == nil {
		t.Fatal("Forward() expected error for out-of-scope decision, got nil")
	}
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", fmt.Errorf("upstream request: %w", context.DeadlineExceeded), KindTimeout},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "backend", IsTimeout: true}, KindTimeout},
		{"refused", &url.Error{Op: "Get", URL: "http://backend/", Err: refused}, KindConnectionRefused},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnectionRefused},
		{"no such host", &net.DNSError{Err: "no such host", Name: "backend", IsNotFound: true}, KindConnectionRefused},
		{"unknown authority", &url.Error{Op: "Get", URL: "https://backend/", Err: x509.UnknownAuthorityError{}}, KindTLSFailure},
		{"fingerprinted handshake", fmt.Errorf("%w: remote error", client.ErrTLSHandshake), KindTLSFailure},
		{"unexpected eof", io.ErrUnexpectedEOF, KindProtocolError},
		{"other", errors.New("malformed HTTP response"), KindProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{Kind: KindTimeout, Err: context.DeadlineExceeded}
	if got, want := err.Error(), "upstream timeout: context deadline exceeded"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(err, context.DeadlineExceeded) = false, want true")
	}
}

func TestOutboundHeader(t *testing.T) {
	in := http.Header{
		"Host":             {"app.volleystation.com"},
		"Accept":           {"text/html"},
		"Connection":       {"close, x-trace"},
		"X-Trace":          {"1"},
		"Keep-Alive":       {"timeout=5"},
		"Te":               {"trailers"},
		"Proxy-Connection": {"keep-alive"},
	}

	out := outboundHeader(in)

	if len(out) != 1 || out.Get("Accept") != "text/html" {
		t.Errorf("outboundHeader() = %v, want only Accept", out)
	}
	if in.Get("Host") == "" {
		t.Error("outboundHeader() mutated its input")
	}
}
