package handler

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/service"
)

type staticCA struct {
	cert *x509.Certificate
}

func (s staticCA) CACertificate() *x509.Certificate {
	return s.cert
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", service.NewStats(), nil)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Proxy:    config.ProxyConfig{Addr: ":8080"},
		Scope:    config.ScopeConfig{Domain: "volleystation.com", OutOfScope: config.OutOfScopePassthrough},
		Backend:  config.BackendConfig{Address: "10.0.0.5"},
		Upstream: config.UpstreamConfig{Client: config.ClientAntiBot},
	}
	stats := service.NewStats()
	stats.Rewritten.Add(3)
	stats.Failed.Inc()

	h := NewHealthHandler(cfg, "1.2.3", stats, nil)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Status         string                `json:"status"`
		Version        string                `json:"version"`
		ScopeDomain    string                `json:"scope_domain"`
		Backend        string                `json:"backend"`
		UpstreamClient string                `json:"upstream_client"`
		Requests       service.StatsSnapshot `json:"requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"status", body.Status, "ok"},
		{"version", body.Version, "1.2.3"},
		{"scope_domain", body.ScopeDomain, "volleystation.com"},
		{"backend", body.Backend, "10.0.0.5"},
		{"upstream_client", body.UpstreamClient, "antibot"},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %q, want %q", ck.name, ck.got, ck.want)
		}
	}
	if body.Requests.Rewritten != 3 || body.Requests.Failed != 1 {
		t.Errorf("requests = %+v, want rewritten=3 failed=1", body.Requests)
	}
}

func TestCACert(t *testing.T) {
	raw := []byte{0x30, 0x03, 0x02, 0x01, 0x01}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/ca.pem", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", service.NewStats(), staticCA{cert: &x509.Certificate{Raw: raw}})
	if err := h.CACert(c); err != nil {
		t.Fatalf("CACert() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-pem-file" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/x-pem-file")
	}
	block, _ := pem.Decode(rec.Body.Bytes())
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("body is not a PEM certificate: %q", rec.Body.String())
	}
	if string(block.Bytes) != string(raw) {
		t.Errorf("PEM bytes = %x, want %x", block.Bytes, raw)
	}
}

func TestCACert_NotReady(t *testing.T) {
	tests := []struct {
		name string
		ca   CertSource
	}{
		{"no source", nil},
		{"empty certificate", staticCA{cert: &x509.Certificate{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/ca.pem", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewHealthHandler(&config.Config{}, "test", service.NewStats(), tt.ca)
			err := h.CACert(c)
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("CACert() error = %v, want *echo.HTTPError", err)
			}
			if he.Code != http.StatusServiceUnavailable {
				t.Errorf("code = %d, want %d", he.Code, http.StatusServiceUnavailable)
			}
		})
	}
}
