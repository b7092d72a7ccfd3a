package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

// ErrTLSHandshake wraps every failure of the fingerprinted TLS handshake.
var ErrTLSHandshake = errors.New("tls handshake failed")

var fingerprints = map[string]utls.ClientHelloID{
	"chrome":     utls.HelloChrome_Auto,
	"firefox":    utls.HelloFirefox_Auto,
	"safari":     utls.HelloSafari_Auto,
	"edge":       utls.HelloEdge_Auto,
	"ios":        utls.HelloIOS_Auto,
	"randomized": utls.HelloRandomized,
}

// Fingerprint resolves a configured fingerprint name to a uTLS ClientHello.
func Fingerprint(name string) (utls.ClientHelloID, bool) {
	id, ok := fingerprints[strings.ToLower(name)]
	return id, ok
}

// AntiBot sends requests with a browser TLS fingerprint so that bot-detection
// frontends see a regular browser handshake. SNI and certificate checks use the
// Host header, not the (usually literal IP) URL host.
type AntiBot struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewAntiBot creates an AntiBot client from the upstream configuration.
func NewAntiBot(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*AntiBot, error) {
	id, ok := Fingerprint(cfg.Upstream.Fingerprint)
	if !ok {
		return nil, fmt.Errorf("unknown fingerprint %q", cfg.Upstream.Fingerprint)
	}
	proxyURL, err := parseProxyURL(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}

	transport := &antiBotTransport{
		fingerprint: id,
		dialer:      &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		proxyURL:    proxyURL,
		verify:      cfg.Upstream.VerifyTLS,
	}

	return &AntiBot{
		httpClient: newHTTPClient(cfg, transport),
		logger:     logger.With("component", "antibot_client"),
		metrics:    m,
	}, nil
}

// Do executes an HTTP request and returns the raw response.
// The caller is responsible for closing the response body.
func (c *AntiBot) Do(req *http.Request) (*http.Response, error) {
	return do(c.httpClient, req, c.logger, c.metrics, "antibot")
}

// Get issues a GET request.
func (c *AntiBot) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, rawURL, header, nil)
}

// Post issues a POST request with body.
func (c *AntiBot) Post(ctx context.Context, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, rawURL, header, body)
}

func (c *AntiBot) send(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, vals := range header {
		req.Header[key] = vals
	}
	if host := header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	return c.Do(req)
}

// antiBotTransport dials a fresh connection per request, performs a uTLS
// handshake and speaks h2 or HTTP/1.1 depending on ALPN. Closing the response
// body closes the connection.
type antiBotTransport struct {
	fingerprint utls.ClientHelloID
	dialer      *net.Dialer
	proxyURL    *url.URL
	verify      bool
}

func (t *antiBotTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	port := req.URL.Port()
	if port == "" {
		port = "443"
		if req.URL.Scheme == "http" {
			port = "80"
		}
	}
	addr := net.JoinHostPort(req.URL.Hostname(), port)

	rawConn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if req.URL.Scheme == "http" {
		return roundTripHTTP1(ctx, rawConn, req)
	}

	uconn := utls.UClient(rawConn, &utls.Config{
		ServerName:         serverName(req),
		InsecureSkipVerify: !t.verify, //nolint:gosec // backends are commonly addressed by IP
		MinVersion:         utls.VersionTLS12,
	}, t.fingerprint)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: %w", ErrTLSHandshake, err)
	}

	if uconn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		cc, err := (&http2.Transport{}).NewClientConn(uconn)
		if err != nil {
			_ = uconn.Close()
			return nil, fmt.Errorf("http2 client conn: %w", err)
		}
		resp, err := cc.RoundTrip(req)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		resp.Body = &connBody{ReadCloser: resp.Body, conn: uconn, stop: func() bool { return cc.Close() == nil }}
		return resp, nil
	}

	return roundTripHTTP1(ctx, uconn, req)
}

func roundTripHTTP1(ctx context.Context, conn net.Conn, req *http.Request) (*http.Response, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	if err := req.Write(conn); err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		stop()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

// serverName picks the SNI: the Host header wins over the URL host.
func serverName(req *http.Request) string {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}

func (t *antiBotTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.proxyURL == nil {
		return t.dialer.DialContext(ctx, "tcp", addr)
	}
	if t.proxyURL.Scheme == "socks5" {
		var auth *proxy.Auth
		if t.proxyURL.User != nil {
			pass, _ := t.proxyURL.User.Password()
			auth = &proxy.Auth{User: t.proxyURL.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", t.proxyURL.Host, auth, t.dialer)
		if err != nil {
			return nil, err
		}
		dc, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support DialContext")
		}
		return dc.DialContext(ctx, "tcp", addr)
	}
	return t.dialConnect(ctx, addr)
}

// dialConnect opens a tunnel through an HTTP(S) proxy with CONNECT.
func (t *antiBotTransport) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	proxyAddr := t.proxyURL.Host
	if t.proxyURL.Port() == "" {
		port := "80"
		if t.proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(t.proxyURL.Hostname(), port)
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	if t.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.proxyURL.Hostname(), MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if auth := proxyAuthorization(t.proxyURL); auth != "" {
		connectReq.Header.Set("Proxy-Authorization", auth)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	// The tunnelled server does not speak first, so the buffered reader holds
	// nothing beyond the CONNECT response.
	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %s", addr, resp.Status)
	}
	return conn, nil
}

// proxyAuthorization builds the Basic credentials for u from its decoded
// username and password. It returns "" when u carries no userinfo.
func proxyAuthorization(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	pass, _ := u.User.Password()
	creds := u.User.Username() + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// connBody closes the underlying connection together with the response body.
type connBody struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
}

func (b *connBody) Close() error {
	err := b.ReadCloser.Close()
	if b.stop != nil {
		b.stop()
	}
	_ = b.conn.Close()
	return err
}
