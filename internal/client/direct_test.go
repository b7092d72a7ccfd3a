package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Client:          config.ClientDirect,
			Fingerprint:     "chrome",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_SelectsClient(t *testing.T) {
	tests := []struct {
		client string
		want   string
	}{
		{config.ClientDirect, "*client.Direct"},
		{"", "*client.Direct"},
		{config.ClientAntiBot, "*client.AntiBot"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			cfg := testConfig()
			cfg.Upstream.Client = tt.client
			c, err := New(cfg, discardLogger(), nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			switch c.(type) {
			case *Direct:
				if tt.want != "*client.Direct" {
					t.Errorf("New() = %T, want %s", c, tt.want)
				}
			case *AntiBot:
				if tt.want != "*client.AntiBot" {
					t.Errorf("New() = %T, want %s", c, tt.want)
				}
			default:
				t.Errorf("New() = %T, want %s", c, tt.want)
			}
		})
	}
}

func TestNew_UnknownClient(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.Client = "curl"
	if _, err := New(cfg, discardLogger(), nil); err == nil {
		t.Fatal("New() expected error for unknown client, got nil")
	}
}

func TestDirect_Do(t *testing.T) {
	var gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := metrics.New()
	c, err := NewDirect(testConfig(), discardLogger(), m)
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/login", nil)
	req.Host = "app.volleystation.com"
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if gotHost != "app.volleystation.com" {
		t.Errorf("backend saw Host = %q, want %q", gotHost, "app.volleystation.com")
	}
}

func TestDirect_Do_Unreachable(t *testing.T) {
	c, err := NewDirect(testConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil)
	if _, err := c.Do(req); err == nil { //nolint:bodyclose // error path
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestDirect_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewDirect(testConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err = c.Do(req) //nolint:bodyclose // error path
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDirect_Redirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	tests := []struct {
		name       string
		follow     bool
		wantStatus int
	}{
		{"not followed", false, http.StatusFound},
		{"followed", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Upstream.FollowRedirects = tt.follow
			c, err := NewDirect(cfg, discardLogger(), nil)
			if err != nil {
				t.Fatalf("NewDirect() error = %v", err)
			}
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/old", nil)
			resp, err := c.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !tt.follow && resp.Header.Get("Location") != "/new" {
				t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), "/new")
			}
		})
	}
}

func TestDirect_InvalidProxyURL(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.ProxyURL = "http://[::1"
	if _, err := NewDirect(cfg, discardLogger(), nil); err == nil {
		t.Fatal("NewDirect() expected error for invalid proxy url, got nil")
	}
}
